package datalayer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/magnetar/runtime/domnode"
)

const (
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 30 * time.Second

	// minRetryHint/maxReconnectBackoff bound a server-sent retry: hint, per
	// spec's boundary behavior ("stream retry: hint clamped to [500ms, 30s]").
	minRetryHint = 500 * time.Millisecond
)

// OnDelta registers the callback invoked whenever a stream source with
// buffer>0 and a target is updated — the delta-bypass path that reaches
// session subscribers directly, without a render.
func (c *Context) OnDelta(fn func(domnode.Delta)) { c.onDelta = fn }

// sseFrame is one dispatched Server-Sent Events message.
type sseFrame struct {
	id    string
	event string
	data  string
	retry time.Duration
}

func (c *Context) streamLoop(s DataSource) {
	defer c.wg.Done()

	backoff := minReconnectBackoff
	lastEventID := ""

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		connected, nextID, retryHint := c.streamOnce(s, lastEventID)
		if connected {
			backoff = minReconnectBackoff
		}
		lastEventID = nextID

		if retryHint > 0 {
			backoff = clampRetryHint(retryHint)
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		if retryHint <= 0 {
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}
}

// clampRetryHint bounds a server-sent retry: hint to [minRetryHint,
// maxReconnectBackoff], per data.rs's backoff_ms = ms.max(500).min(30000).
func clampRetryHint(d time.Duration) time.Duration {
	if d < minRetryHint {
		return minRetryHint
	}
	if d > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return d
}

// streamOnce opens one upstream connection and dispatches frames until it
// closes or errors. It returns whether the connection was ever established,
// the last-event id seen (to be replayed on reconnect), and the most recent
// retry: hint the upstream sent (0 if none), which overrides the default
// reconnect ladder for the next attempt.
func (c *Context) streamOnce(s DataSource, lastEventID string) (connected bool, lastID string, retryHint time.Duration) {
	lastID = lastEventID
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		if c.log != nil {
			c.log.Errorf("datalayer: stream %s: %v", s.Key, err)
		}
		return false, lastID, 0
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	if s.Auth {
		if err := c.injectAuth(ctx, "", req); err != nil {
			if c.log != nil {
				c.log.Errorf("datalayer: stream %s auth: %v", s.Key, err)
			}
			return false, lastID, 0
		}
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if c.log != nil {
			c.log.Errorf("datalayer: stream %s connect: %v", s.Key, err)
		}
		return false, lastID, 0
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Errorf("datalayer: stream %s: upstream status %d", s.Key, resp.StatusCode)
		}
		return false, lastID, 0
	}

	connected = true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur sseFrame
	for scanner.Scan() {
		select {
		case <-c.stopCh:
			return connected, lastID, retryHint
		default:
		}

		line := scanner.Text()
		if line == "" {
			if cur.id != "" {
				lastID = cur.id
			}
			if cur.retry > 0 {
				retryHint = cur.retry
			}
			if cur.event != "lag" && (cur.data != "" || cur.event != "") {
				c.dispatchFrame(s, cur)
			}
			cur = sseFrame{}
			continue
		}
		parseSSELine(line, &cur)
	}
	return connected, lastID, retryHint
}

// parseSSELine applies one "field:value" line (or a ":"-prefixed comment,
// which is ignored) to the frame under construction.
func parseSSELine(line string, f *sseFrame) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "data":
		if f.data != "" {
			f.data += "\n"
		}
		f.data += value
	case "id":
		f.id = value
	case "event":
		f.event = value
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			f.retry = time.Duration(ms) * time.Millisecond
		}
	}
}

func (c *Context) dispatchFrame(s DataSource, f sseFrame) {
	var value json.RawMessage
	if json.Valid([]byte(f.data)) {
		value = json.RawMessage(f.data)
	} else {
		b, _ := json.Marshal(f.data)
		value = json.RawMessage(b)
	}

	if s.Buffer <= 0 {
		c.set(s.Key, value)
	} else {
		c.appendBuffered(s.Key, value, s.Buffer)
	}

	c.notifyChange()

	if s.Target != "" && s.Buffer > 0 && c.onDelta != nil {
		c.onDelta(domnode.NewDelta(s.Key, value, s.Buffer, s.Target))
	}
}

// appendBuffered appends value to an ordered sequence stored under key,
// evicting from the front once the sequence exceeds max entries.
func (c *Context) appendBuffered(key string, value json.RawMessage, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var seq []json.RawMessage
	if raw, ok := c.values[key]; ok {
		_ = json.Unmarshal(raw, &seq)
	}
	seq = append(seq, value)
	if len(seq) > max {
		seq = seq[len(seq)-max:]
	}
	out, err := json.Marshal(seq)
	if err != nil {
		return
	}
	c.values[key] = out
}
