package node

import (
	"testing"
	"time"

	"github.com/magnetar/runtime/datalayer"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/logger"
	"github.com/magnetar/runtime/session"
	"github.com/magnetar/runtime/worker"
)

func newHandle(t *testing.T, name string) *AppHandle {
	t.Helper()
	host, err := isolate.New(name, testBundle, nil)
	if err != nil {
		t.Fatalf("isolate.New: %v", err)
	}
	data, err := datalayer.New(nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("datalayer.New: %v", err)
	}
	return NewAppHandle(name, host, 30*time.Second, data, nil, "magnetar_sid")
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	h := newHandle(t, "demo")
	r.Put(h)

	if got := r.Get("demo"); got != h {
		t.Fatalf("Get returned %v, want %v", got, h)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	r.Remove("demo")
	if r.Get("demo") != nil {
		t.Fatalf("expected demo to be gone after Remove")
	}
}

func TestRegistryPutReplacesAndClosesOldHandle(t *testing.T) {
	r := NewRegistry()
	h1 := newHandle(t, "demo")
	r.Put(h1)
	h2 := newHandle(t, "demo")
	r.Put(h2)

	res := h1.Isolate.Submit(isolate.Request{Kind: isolate.Render, Path: "/", SID: "s1"}, time.Second)
	if res.Err != isolate.ErrUnavailable {
		t.Fatalf("expected displaced handle's isolate to be closed, got err=%v", res.Err)
	}
	if r.Get("demo") != h2 {
		t.Fatalf("expected the registry to hold the new handle")
	}
}

func TestEligibleForParkRequiresNoSubscribers(t *testing.T) {
	h := newHandle(t, "demo")
	if !h.EligibleForPark(0) {
		t.Fatalf("expected a fresh idle app with no subscribers to be eligible with threshold 0")
	}

	ch := make(chan session.Event, 1)
	detach := h.Sessions.Attach("s1", ch)
	defer detach()

	if h.EligibleForPark(0) {
		t.Fatalf("expected an app with an active subscriber to be ineligible for parking")
	}
}

func TestReaperParksEligibleApps(t *testing.T) {
	r := NewRegistry()
	h := newHandle(t, "demo")
	r.Put(h)

	pool := worker.NewWorkerPool(2)
	pool.Start()
	defer pool.Stop()

	rp := NewReaper(r, pool, 0, 10*time.Millisecond, logger.New(logger.LevelError))
	rp.Start()
	defer rp.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Parked() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected reaper to park the idle app within 1s")
}
