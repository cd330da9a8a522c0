package node

import (
	"sync"
	"time"

	"github.com/magnetar/runtime/logger"
	"github.com/magnetar/runtime/worker"
)

// Reaper periodically scans a Registry and parks apps with zero active
// session subscribers whose idle time exceeds threshold, fanning the park
// calls out across a worker pool. Adapted from the teacher's
// session-iteration-plus-WorkerPool dispatch pattern, retargeted from
// per-session automation jobs to per-app park decisions, and switched from
// a tight busy-loop to a ticker since the reaper has a natural cadence
// rather than needing to run flat-out.
type Reaper struct {
	registry  *Registry
	pool      *worker.WorkerPool
	threshold time.Duration
	interval  time.Duration
	log       *logger.Logger

	stopCh chan struct{}
	once   sync.Once
}

// NewReaper creates a Reaper that scans registry every interval, parking any
// app idle (with no subscribers) for at least threshold. pool executes the
// park calls concurrently so one slow isolate doesn't delay the scan of the
// rest.
func NewReaper(registry *Registry, pool *worker.WorkerPool, threshold, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		registry:  registry,
		pool:      pool,
		threshold: threshold,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background scan loop. Non-blocking.
func (rp *Reaper) Start() {
	go rp.loop()
}

// Stop halts the scan loop. Idempotent. Does not wait for in-flight park
// jobs already submitted to the pool.
func (rp *Reaper) Stop() {
	rp.once.Do(func() { close(rp.stopCh) })
}

func (rp *Reaper) loop() {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.stopCh:
			return
		case <-ticker.C:
			rp.scan()
		}
	}
}

func (rp *Reaper) scan() {
	for _, h := range rp.registry.All() {
		h := h
		if !h.EligibleForPark(rp.threshold) {
			continue
		}
		rp.pool.Submit(func() {
			h.Isolate.Park()
			if rp.log != nil {
				rp.log.Debugf("node: parked idle app %q", h.Name)
			}
		})
	}
}
