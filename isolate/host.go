// Package isolate owns one JavaScript isolate per app and serializes every
// call into it through a typed request channel. It is the generalized
// descendant of the single-VM-plus-mutex pattern this codebase used for
// one-off challenge solving: instead of a shared VM guarded by a mutex, each
// app gets its own otto.Otto owned exclusively by one goroutine, and callers
// talk to it only through Host.Submit.
package isolate

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/magnetar/runtime/domnode"
)

// engineInit guards the one-time, process-wide engine setup. otto has no
// platform object to initialize the way a V8-backed host does, so InitEngine
// only records that setup ran; New does not check engineReady, and a Host
// works whether or not InitEngine was called.
var (
	engineInit  sync.Once
	engineReady int32
)

// InitEngine performs the process-wide, one-time engine setup. Safe to call
// from multiple goroutines; only the first call takes effect. Call this once
// at process startup before constructing any Host.
func InitEngine() {
	engineInit.Do(func() {
		atomic.StoreInt32(&engineReady, 1)
	})
}

// Kind identifies the variant of a Request.
type Kind int

const (
	Render Kind = iota
	Reduce
	SetData
	RenderWithData
	RenderWithCSS
	RenderWithDataAndCSS
	ApiCall
	CleanupSessions
	DropSession
)

// Request is the tagged variant submitted to a Host. Only the fields
// relevant to Kind are read.
type Request struct {
	Kind Kind

	Path    string
	SID     string
	Action  string
	Payload json.RawMessage
	Data    json.RawMessage

	Method string
	Body   json.RawMessage

	MaxAge time.Duration
}

// Result is what a Request resolves to. APIBody is populated only for
// ApiCall; Snapshot is populated for every render-producing variant.
type Result struct {
	Snapshot domnode.Snapshot
	APIBody  json.RawMessage
	Err      error
}

// reply is the single-shot object a caller blocks on. It exists so Submit
// can offer a context/timeout without the isolate goroutine needing to know
// anything about cancellation.
type reply struct {
	ch chan Result
}

func newReply() *reply { return &reply{ch: make(chan Result, 1)} }

// ErrUnavailable is returned when a request is submitted to a Host whose
// request channel has already been closed (e.g. the loader replaced the
// handle). Callers translate this into a 503-equivalent response.
var ErrUnavailable = fmt.Errorf("isolate: unavailable")

type pendingRequest struct {
	req Request
	rep *reply
}

// Host owns exactly one otto.Otto, exactly one owner goroutine, and a
// request channel with many possible writers. One in-flight request is
// serviced at a time, in arrival order.
type Host struct {
	appName string
	vm      *otto.Otto

	reqCh  chan pendingRequest
	closed atomic.Bool

	parked   atomic.Bool
	warm     atomic.Bool
	lastUsed atomic.Int64 // unix nanos

	onIsolateError func(appName string, err error)
}

// New compiles bundleSrc into a fresh otto VM owned by a dedicated goroutine
// and returns a ready Host. onIsolateError, if non-nil, is invoked (off the
// owner goroutine's critical path) whenever a call produces an error, so the
// caller can log with action context as the design calls for.
func New(appName, bundleSrc string, onIsolateError func(string, error)) (*Host, error) {
	vm := otto.New()
	seedGlobals(vm)

	if _, err := vm.Run(bundleSrc); err != nil {
		return nil, fmt.Errorf("isolate: compile %s: %w", appName, err)
	}

	h := &Host{
		appName:        appName,
		vm:             vm,
		reqCh:          make(chan pendingRequest, 32),
		onIsolateError: onIsolateError,
	}
	h.warm.Store(true)
	h.lastUsed.Store(time.Now().UnixNano())
	go h.run()
	return h, nil
}

// seedGlobals installs the minimal host-provided globals every bundle can
// rely on (console.log as a no-op sink, JSON already built into otto).
func seedGlobals(vm *otto.Otto) {
	_ = vm.Set("console", map[string]interface{}{})
	_, _ = vm.Run(`console.log = function() {}; console.error = function() {};`)
}

// run is the sole goroutine permitted to touch h.vm. It drains the request
// channel until it is closed, servicing one request at a time.
func (h *Host) run() {
	for p := range h.reqCh {
		h.lastUsed.Store(time.Now().UnixNano())
		h.parked.Store(false)
		res := h.dispatch(p.req)
		if res.Err != nil && h.onIsolateError != nil {
			h.onIsolateError(h.appName, res.Err)
		}
		p.rep.ch <- res
	}
}

// Submit enqueues req and blocks until the isolate replies or timeout
// elapses (timeout <= 0 means wait indefinitely). Submit is safe to call
// from any number of goroutines concurrently — that is the whole point of
// the request-channel design.
func (h *Host) Submit(req Request, timeout time.Duration) Result {
	if h.closed.Load() {
		return Result{Err: ErrUnavailable}
	}
	r := newReply()
	select {
	case h.reqCh <- pendingRequest{req: req, rep: r}:
	default:
		// Channel is momentarily full; still attempt a blocking send so we
		// don't silently drop a request under burst load.
		h.reqCh <- pendingRequest{req: req, rep: r}
	}

	if timeout <= 0 {
		return <-r.ch
	}
	select {
	case res := <-r.ch:
		return res
	case <-time.After(timeout):
		return Result{Err: fmt.Errorf("isolate: %s: request timed out after %s", h.appName, timeout)}
	}
}

// Close stops accepting new requests. In-flight senders on a closed channel
// observe ErrUnavailable on their next Submit call. Close never kills the
// owner goroutine's VM explicitly — it exits naturally once the channel
// drains, matching the "never terminate isolate threads" design note.
func (h *Host) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.reqCh)
	}
}

// Park marks the app idle in status views. Parking never stops the owner
// goroutine or the VM; ensureWarm-equivalent behavior is simply the next
// Submit call, which clears the parked flag as a side effect of run().
func (h *Host) Park()          { h.parked.Store(true) }
func (h *Host) IsParked() bool { return h.parked.Load() }
func (h *Host) IsWarm() bool   { return h.warm.Load() }

// IdleFor reports how long it has been since the last serviced request.
func (h *Host) IdleFor() time.Duration {
	last := h.lastUsed.Load()
	return time.Since(time.Unix(0, last))
}

// dispatch wraps every isolate call in a panic/error boundary so a thrown
// exception or compile failure yields a structured error result (and, for
// render-producing variants, a fallback snapshot) rather than crashing the
// owner goroutine.
func (h *Host) dispatch(req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("isolate: %s: panic: %v", h.appName, r)
			result = Result{Snapshot: domnode.ErrorBoundary(err.Error(), actionName(req)), Err: err}
		}
	}()

	switch req.Kind {
	case Render:
		return h.doRender(req.Path, req.SID)
	case Reduce:
		return h.doReduce(req.Action, req.Payload, req.Path, req.SID)
	case SetData:
		return h.doSetData(req.Data)
	case RenderWithData:
		return h.doRenderWithData(req.Path, req.Data, req.SID, false)
	case RenderWithCSS:
		return h.doRenderWithCSS(req.Path, req.SID, false)
	case RenderWithDataAndCSS:
		_ = h.setDataInternal(req.Data)
		return h.doRenderWithCSS(req.Path, req.SID, true)
	case ApiCall:
		return h.doApiCall(req.Method, req.Path, req.Body)
	case CleanupSessions:
		return h.doCleanupSessions(req.MaxAge)
	case DropSession:
		return h.doDropSession(req.SID)
	default:
		err := fmt.Errorf("isolate: %s: unknown request kind %d", h.appName, req.Kind)
		return Result{Err: err}
	}
}

func actionName(req Request) string { return req.Action }

func (h *Host) doRender(path, sid string) Result {
	val, err := h.vm.Call("render", nil, path, sid)
	if err != nil {
		return h.fallback(err, "")
	}
	snap, err := decodeSnapshot(val)
	if err != nil {
		return h.fallback(err, "")
	}
	return Result{Snapshot: snap}
}

func (h *Host) doReduce(action string, payload json.RawMessage, path, sid string) Result {
	payloadVal, err := jsonToOtto(h.vm, payload)
	if err != nil {
		return h.fallback(err, action)
	}
	if _, err := h.vm.Call("reduce", nil, action, payloadVal, sid); err != nil {
		return h.fallback(err, action)
	}
	return h.doRender(path, sid)
}

func (h *Host) setDataInternal(data json.RawMessage) error {
	fn, err := h.vm.Get("setData")
	if err != nil || !fn.IsFunction() {
		// setData is optional per spec.md §4.1; absence is not an error.
		return nil
	}
	dataVal, err := jsonToOtto(h.vm, data)
	if err != nil {
		return err
	}
	_, err = h.vm.Call("setData", nil, dataVal)
	return err
}

func (h *Host) doSetData(data json.RawMessage) Result {
	if err := h.setDataInternal(data); err != nil {
		return Result{Err: err}
	}
	return Result{}
}

func (h *Host) doRenderWithData(path string, data json.RawMessage, sid string, _ bool) Result {
	if err := h.setDataInternal(data); err != nil {
		return h.fallback(err, "")
	}
	return h.doRender(path, sid)
}

func (h *Host) doRenderWithCSS(path, sid string, _ bool) Result {
	// Prefer a renderWithCSS export if the bundle defines one; otherwise
	// fall back to plain render, per Design Notes' open question.
	fn, err := h.vm.Get("renderWithCSS")
	if err != nil || !fn.IsFunction() {
		return h.doRender(path, sid)
	}
	val, err := h.vm.Call("renderWithCSS", nil, path, sid)
	if err != nil {
		return h.fallback(err, "")
	}
	snap, err := decodeSnapshot(val)
	if err != nil {
		return h.fallback(err, "")
	}
	return Result{Snapshot: snap}
}

func (h *Host) doApiCall(method, path string, body json.RawMessage) Result {
	fn, err := h.vm.Get("handleApi")
	if err != nil || !fn.IsFunction() {
		return Result{Err: fmt.Errorf("isolate: %s: handleApi not defined", h.appName)}
	}
	bodyVal, err := jsonToOtto(h.vm, body)
	if err != nil {
		return Result{Err: err}
	}
	val, err := h.vm.Call("handleApi", nil, method, path, bodyVal)
	if err != nil {
		return Result{Err: fmt.Errorf("isolate: %s: handleApi: %w", h.appName, err)}
	}
	exported, err := val.Export()
	if err != nil {
		return Result{Err: err}
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return Result{Err: err}
	}
	return Result{APIBody: raw}
}

func (h *Host) doCleanupSessions(maxAge time.Duration) Result {
	fn, err := h.vm.Get("cleanupSessions")
	if err != nil || !fn.IsFunction() {
		return Result{}
	}
	_, err = h.vm.Call("cleanupSessions", nil, int64(maxAge/time.Millisecond))
	if err != nil {
		return Result{Err: err}
	}
	return Result{}
}

func (h *Host) doDropSession(sid string) Result {
	fn, err := h.vm.Get("dropSession")
	if err != nil || !fn.IsFunction() {
		return Result{}
	}
	_, _ = h.vm.Call("dropSession", nil, sid)
	return Result{}
}

// fallback converts an isolate-side error into the structured error-boundary
// snapshot, per the design's error boundary contract: callers see a
// degraded UI (HTTP 200) rather than a 5xx.
func (h *Host) fallback(err error, actionName string) Result {
	return Result{Snapshot: domnode.ErrorBoundary(err.Error(), actionName), Err: err}
}

// decodeSnapshot converts an otto.Value returned by render into a
// domnode.Snapshot by exporting it to native Go values and round-tripping
// through encoding/json, since otto.Value.Export() already yields
// JSON-marshalable primitives/maps/slices for plain-object return values.
func decodeSnapshot(val otto.Value) (domnode.Snapshot, error) {
	exported, err := val.Export()
	if err != nil {
		return domnode.Snapshot{}, err
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return domnode.Snapshot{}, err
	}
	var snap domnode.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// The bundle may have returned the root node directly rather than
		// {root: ...}; retry assuming raw is the root node's shape.
		var node domnode.Node
		if err2 := json.Unmarshal(raw, &node); err2 == nil {
			return domnode.Snapshot{Root: node}, nil
		}
		return domnode.Snapshot{}, fmt.Errorf("isolate: decode snapshot: %w", err)
	}
	return snap, nil
}

// jsonToOtto parses raw JSON bytes and hands the resulting Go value to otto.
// An empty/nil raw becomes undefined.
func jsonToOtto(vm *otto.Otto, raw json.RawMessage) (otto.Value, error) {
	if len(raw) == 0 {
		return otto.UndefinedValue(), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return otto.Value{}, fmt.Errorf("isolate: parse JSON: %w", err)
	}
	return vm.ToValue(v)
}
