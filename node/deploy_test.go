package node

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/datalayer"
	"github.com/magnetar/runtime/metrics"
	"github.com/magnetar/runtime/session"
)

const pollBundle = `
var data = {};
function setData(d) { data = d; }
function render(path, sid) {
  return { root: { tag: "span", text: String(data.count) } };
}
function reduce(action, payload, sid) {}
`

// TestPollChangeDrivesDebouncedBroadcast exercises the Change Coalescer
// wiring built in buildAppHandle: a poll source's value changing upstream
// must eventually reach an attached session's subscriber channel without any
// client-initiated request, per the Coalescer's debounced global broadcast.
func TestPollChangeDrivesDebouncedBroadcast(t *testing.T) {
	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		fmt.Fprintf(w, "%d", n)
	}))
	defer srv.Close()

	cfg := &config.NodeConfig{SessionCookieName: "magnetar_sid", CORSOrigin: "*", DebounceWindow: 10 * time.Millisecond}
	s := NewServer(cfg, NewRegistry(), metrics.NewMetrics(), nil)

	req := deployRequest{
		Bundle: []byte(pollBundle),
		Config: manifest{
			CookieName: "magnetar_sid",
			Sources: []datalayer.DataSource{
				{Key: "count", URL: srv.URL, Kind: datalayer.KindPoll, Interval: 10 * time.Millisecond, Scope: "*"},
			},
		},
	}

	h, err := s.buildAppHandle("demo", req)
	if err != nil {
		t.Fatalf("buildAppHandle: %v", err)
	}
	defer func() {
		h.Isolate.Close()
		h.Data.Stop()
	}()

	sid, err := session.NewID()
	if err != nil {
		t.Fatalf("session.NewID: %v", err)
	}
	h.Sessions.SetPath(sid, "/")
	ch := make(chan session.Event, 8)
	detach := h.Sessions.Attach(sid, ch)
	defer detach()

	select {
	case ev := <-ch:
		if ev.Snapshot == nil {
			t.Fatalf("expected a snapshot event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll change never reached the subscribed session")
	}
}
