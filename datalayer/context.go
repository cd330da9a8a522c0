package datalayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magnetar/runtime/domnode"
	"github.com/magnetar/runtime/logger"
	"github.com/magnetar/runtime/payload"
)

// TokenSource supplies the current access token for a session, used when a
// DataSource or ActionMapping declares auth:true. Implemented by
// authsession.Middleware in the running node.
type TokenSource func(ctx context.Context, sid string) (string, error)

// Context is the per-app DataContext: current values for every declared
// source, behind one mutex. It also owns the background workers (poll,
// stream) for its sources and the HTTP clients they share.
type Context struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage

	sources map[string]DataSource
	actions map[string]ActionMapping

	client       *http.Client
	streamClient *http.Client
	tokens       TokenSource
	log          *logger.Logger

	onChange func()               // debounced change callback, set by the coalescer
	onDelta  func(domnode.Delta) // delta-bypass callback, set by the node wiring

	schemaMu       sync.Mutex
	schemaWatchers map[string]*payload.Validator // poll sources only, keyed by DataSource.Key

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Context for one app's declared sources and actions. tokens
// may be nil if no source declares auth:true.
func New(sources []DataSource, actions []ActionMapping, tokens TokenSource, log *logger.Logger) (*Context, error) {
	client, err := newHTTPClient(30 * time.Second)
	if err != nil {
		return nil, err
	}
	streamClient, err := newStreamClient()
	if err != nil {
		return nil, err
	}

	c := &Context{
		values:         make(map[string]json.RawMessage),
		sources:        make(map[string]DataSource, len(sources)),
		actions:        make(map[string]ActionMapping, len(actions)),
		client:         client,
		streamClient:   streamClient,
		tokens:         tokens,
		log:            log,
		schemaWatchers: make(map[string]*payload.Validator),
		stopCh:         make(chan struct{}),
	}
	for _, s := range sources {
		c.sources[s.Key] = s
	}
	for _, a := range actions {
		c.actions[a.Name] = a
	}
	return c, nil
}

// OnChange registers the debounced callback invoked whenever a poll or
// stream source observes a change. Must be called before Start.
func (c *Context) OnChange(fn func()) { c.onChange = fn }

// Start launches the background poll and stream workers for every declared
// source of the corresponding kind.
func (c *Context) Start() {
	for _, s := range c.sources {
		s := s
		switch s.Kind {
		case KindPoll:
			c.wg.Add(1)
			go c.pollLoop(s)
		case KindStream:
			c.wg.Add(1)
			go c.streamLoop(s)
		}
	}
}

// Stop terminates every background worker and waits for them to exit.
func (c *Context) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sourcesForPage returns every source whose declared scope covers path,
// per spec.md §4.3's page-scoped resolution rule.
func (c *Context) sourcesForPage(path string) []DataSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []DataSource
	for _, s := range c.sources {
		if inScope(s.Scope, path) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Context) get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) set(key string, v json.RawMessage) {
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
}

func (c *Context) setError(key string, err error) {
	msg, _ := json.Marshal(map[string]string{"message": err.Error()})
	wrapped := json.RawMessage(fmt.Sprintf(`{%q:%s}`, reservedError, msg))
	c.set(key, wrapped)
}

func (c *Context) addLoading(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var loading []string
	if raw, ok := c.values[reservedLoading]; ok {
		_ = json.Unmarshal(raw, &loading)
	}
	for _, k := range loading {
		if k == key {
			return
		}
	}
	loading = append(loading, key)
	raw, _ := json.Marshal(loading)
	c.values[reservedLoading] = raw
}

func (c *Context) clearLoading(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.values[reservedLoading]
	if !ok {
		return
	}
	var loading []string
	_ = json.Unmarshal(raw, &loading)
	kept := loading[:0]
	for _, k := range loading {
		if k != key {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		delete(c.values, reservedLoading)
		return
	}
	out, _ := json.Marshal(kept)
	c.values[reservedLoading] = out
}

// DataForPage returns the merged object of exactly the relevant sources' current
// values for path, the JSON handed to the isolate before a render.
func (c *Context) DataForPage(path string) json.RawMessage {
	relevant := c.sourcesForPage(path)

	c.mu.RLock()
	defer c.mu.RUnlock()
	merged := make(map[string]json.RawMessage, len(relevant)+2)
	for _, s := range relevant {
		if v, ok := c.values[s.Key]; ok {
			merged[s.Key] = v
		}
	}
	if v, ok := c.values[reservedLoading]; ok {
		merged[reservedLoading] = v
	}
	out, _ := json.Marshal(merged)
	return out
}

// FetchAll synchronously resolves every relevant non-stream source for path.
// Sources with a declared Timeout are instead launched in the background and
// bounded by that timeout; on expiry the value is set to null and the key is
// appended to __loading, with onLoaded invoked once the background fetch
// eventually completes.
func (c *Context) FetchAll(ctx context.Context, sid, path string, onLoaded func()) {
	for _, s := range c.sourcesForPage(path) {
		if s.Kind == KindStream {
			continue
		}
		s := s
		if s.Timeout > 0 {
			c.fetchWithSSRTimeout(ctx, sid, s, onLoaded)
			continue
		}
		val, err := c.doFetch(ctx, sid, s)
		if err != nil {
			c.setError(s.Key, err)
			continue
		}
		c.set(s.Key, val)
	}
}

// fetchWithSSRTimeout awaits a source's fetch up to its declared Timeout; on
// expiry it marks the key loading and continues the fetch in the background.
func (c *Context) fetchWithSSRTimeout(ctx context.Context, sid string, s DataSource, onLoaded func()) {
	done := make(chan struct{})
	var val json.RawMessage
	var fetchErr error

	go func() {
		val, fetchErr = c.doFetch(context.Background(), sid, s)
		close(done)
	}()

	select {
	case <-done:
		if fetchErr != nil {
			c.setError(s.Key, fetchErr)
		} else {
			c.set(s.Key, val)
		}
	case <-time.After(s.Timeout):
		c.set(s.Key, json.RawMessage("null"))
		c.addLoading(s.Key)
		go func() {
			<-done
			if fetchErr != nil {
				c.setError(s.Key, fetchErr)
			} else {
				c.set(s.Key, val)
			}
			c.clearLoading(s.Key)
			if onLoaded != nil {
				onLoaded()
			}
		}()
	}
}

// doFetch performs a single source's request with up to Retries+1 attempts,
// backing off 200ms * 2^min(attempt-1,4) between tries.
func (c *Context) doFetch(ctx context.Context, sid string, s DataSource) (json.RawMessage, error) {
	attempts := s.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		val, err := c.fetchOnce(ctx, sid, s)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if attempt < attempts {
			backoff := 200 * time.Millisecond << min(attempt-1, 4)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("datalayer: fetch %s: %w", s.Key, lastErr)
}

func (c *Context) fetchOnce(ctx context.Context, sid string, s DataSource) (json.RawMessage, error) {
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, s.URL, nil)
	if err != nil {
		return nil, err
	}
	if s.Auth {
		if err := c.injectAuth(ctx, sid, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("upstream returned non-JSON body")
	}
	return json.RawMessage(data), nil
}

func (c *Context) injectAuth(ctx context.Context, sid string, req *http.Request) error {
	if c.tokens == nil {
		return fmt.Errorf("datalayer: source requires auth but no token source is configured")
	}
	tok, err := c.tokens(ctx, sid)
	if err != nil {
		return fmt.Errorf("datalayer: auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// ForwardAction performs a declared ActionMapping's HTTP call, interpolating
// ${payload.field} into the URL, and stores the response under Target if set.
func (c *Context) ForwardAction(ctx context.Context, sid, action string, payload json.RawMessage) (json.RawMessage, error) {
	mapping, ok := c.actions[action]
	if !ok {
		return nil, fmt.Errorf("datalayer: no action mapping for %q", action)
	}

	url := interpolate(mapping.URL, payload)
	method := mapping.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete && len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action %q: upstream status %d", action, resp.StatusCode)
	}

	if mapping.Target != "" && json.Valid(data) {
		c.set(mapping.Target, json.RawMessage(data))
	}
	return data, nil
}

// interpolate substitutes ${payload.field} placeholders in url with values
// extracted from the decoded payload object.
func interpolate(url string, payload json.RawMessage) string {
	if !strings.Contains(url, "${payload.") {
		return url
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return url
	}
	for k, v := range fields {
		placeholder := "${payload." + k + "}"
		if !strings.Contains(url, placeholder) {
			continue
		}
		url = strings.ReplaceAll(url, placeholder, rawToString(v))
	}
	return url
}

// watchSchema learns a poll source's first response shape and warns when a
// later response diverges from it — a renamed field or a number that became
// a string would otherwise corrupt the page silently instead of failing
// loudly. Object-shaped bodies only; arrays and scalars are skipped.
func (c *Context) watchSchema(key string, val json.RawMessage) {
	c.schemaMu.Lock()
	v, ok := c.schemaWatchers[key]
	if !ok {
		v = payload.NewValidator()
		c.schemaWatchers[key] = v
	}
	c.schemaMu.Unlock()

	if !v.HasBaseline() {
		_ = v.Learn(val)
		return
	}
	mismatches, err := v.Validate(val)
	if err != nil || len(mismatches) == 0 {
		return
	}
	if c.log != nil {
		c.log.Errorf("datalayer: source %s schema drift:\n%s", key, payload.FormatMismatches(mismatches))
	}
}

func rawToString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(v))
}
