package session

import (
	"sync"
	"testing"
	"time"

	"github.com/magnetar/runtime/domnode"
)

func TestAttachRegistersSubscriber(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil)
	ch := make(chan Event, 1)
	detach := m.Attach("s1", ch)
	defer detach()

	if m.SubscriberCount("s1") != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", m.SubscriberCount("s1"))
	}
	if !m.HasActiveSessions() {
		t.Fatalf("expected HasActiveSessions() to be true")
	}
}

func TestBroadcastOnlyReachesOwnSession(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil)
	ch1 := make(chan Event, 1)
	ch2 := make(chan Event, 1)
	m.Attach("s1", ch1)
	m.Attach("s2", ch2)

	snap := domnode.Snapshot{Root: domnode.Node{Tag: "h1", Text: "updated"}}
	m.Broadcast("s1", Event{Snapshot: &snap})

	select {
	case ev := <-ch1:
		if ev.Snapshot.Root.Text != "updated" {
			t.Fatalf("unexpected snapshot on s1's channel")
		}
	default:
		t.Fatalf("expected s1 to receive the broadcast")
	}

	select {
	case <-ch2:
		t.Fatalf("s2 must not receive a broadcast addressed to s1")
	default:
	}
}

func TestDetachEmptySetSchedulesExpiry(t *testing.T) {
	var expired sync.WaitGroup
	expired.Add(1)
	var gotSID string

	m := NewManager(10*time.Millisecond, func(sid string) {
		gotSID = sid
		expired.Done()
	})

	ch := make(chan Event, 1)
	detach := m.Attach("s1", ch)
	m.SetPath("s1", "/dashboard")
	detach()

	expired.Wait()
	if gotSID != "s1" {
		t.Fatalf("onExpired called with sid %q, want s1", gotSID)
	}
	if m.Path("s1") != "" {
		t.Fatalf("expected path to be erased after expiry, got %q", m.Path("s1"))
	}
}

func TestReconnectWithinGraceCancelsExpiry(t *testing.T) {
	called := false
	m := NewManager(50*time.Millisecond, func(sid string) { called = true })

	ch1 := make(chan Event, 1)
	detach1 := m.Attach("s1", ch1)
	m.SetPath("s1", "/dashboard")
	detach1()

	// Reconnect quickly, well inside the grace window.
	ch2 := make(chan Event, 1)
	detach2 := m.Attach("s1", ch2)
	defer detach2()

	time.Sleep(80 * time.Millisecond)
	if called {
		t.Fatalf("onExpired fired despite a reconnect within the grace window")
	}
	if m.Path("s1") != "/dashboard" {
		t.Fatalf("expected path to survive reconnection window, got %q", m.Path("s1"))
	}
}

func TestSlowSubscriberDroppedWithoutBlockingOthers(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil)
	full := make(chan Event) // unbuffered, never read — simulates a dead writer
	ok := make(chan Event, 1)
	m.Attach("s1", full)
	m.Attach("s1", ok)

	done := make(chan struct{})
	go func() {
		snap := domnode.Snapshot{Root: domnode.Node{Tag: "p"}}
		m.Broadcast("s1", Event{Snapshot: &snap})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked on a slow/dead subscriber")
	}

	select {
	case <-ok:
	default:
		t.Fatalf("the live subscriber should still have received the event")
	}
}

func TestNewIDIsUnique(t *testing.T) {
	a, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	b, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if a == b {
		t.Fatalf("expected two distinct ids, got %q twice", a)
	}
}
