package datalayer

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// pollLoop runs one poll-type source for the lifetime of the Context: sleep,
// refetch, compare structurally against the prior value, and invoke the
// change callback only when the value actually changed.
func (c *Context) pollLoop(s DataSource) {
	defer c.wg.Done()

	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce(s)
		}
	}
}

func (c *Context) pollOnce(s DataSource) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	val, err := c.doFetch(ctx, "", s)
	if err != nil {
		if c.log != nil {
			c.log.Errorf("datalayer: poll %s: %v", s.Key, err)
		}
		c.setError(s.Key, err)
		c.notifyChange()
		return
	}

	c.watchSchema(s.Key, val)

	prev, existed := c.get(s.Key)
	if existed && structurallyEqual(prev, val) {
		return
	}
	c.set(s.Key, val)
	c.notifyChange()
}

func (c *Context) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}

// structurallyEqual compares two JSON values by canonical byte form, not by
// raw text, so insignificant whitespace or key-ordering differences don't
// register as a change.
func structurallyEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	ac, aerr := json.Marshal(av)
	bc, berr := json.Marshal(bv)
	if aerr != nil || berr != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ac, bc)
}
