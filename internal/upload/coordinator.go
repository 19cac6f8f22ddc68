package upload

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Transport moves attachment bytes to remote storage. Implementations should
// report transfer progress through the progress callback as a fraction in
// [0, 1]; a transport that cannot observe progress may never call it.
type Transport interface {
	Upload(ctx context.Context, attachmentID string, payload io.Reader, progress func(fraction float64)) (url string, err error)
}

// Notify is invoked whenever an attachment's observable progress changes.
// active=false means the progress entry was removed.
type Notify func(attachmentID string, fraction float64, active bool)

// simulatedStep is the fallback increment applied per tick when the transport
// reports no real progress. Simulation never claims completion; it caps below
// 1.0 until the transfer actually finishes.
const (
	simulatedStep = 0.1
	simulatedCap  = 0.95
)

type state struct {
	fraction   float64
	realSeen   bool
	cancel     context.CancelFunc
	ticker     clock.Timer
	graceTimer clock.Timer
}

// Coordinator tracks in-flight attachment uploads. Progress is monotonically
// non-decreasing; completed entries stay observable at 1.0 for a grace period
// and are then removed. Failed or cancelled uploads are torn down immediately.
type Coordinator struct {
	mu        sync.Mutex
	clk       clock.Clock
	transport Transport
	grace     time.Duration
	tick      time.Duration
	notify    Notify
	logger    *zap.Logger
	uploads   map[string]*state
}

// NewCoordinator creates a coordinator.
func NewCoordinator(clk clock.Clock, transport Transport, grace, tick time.Duration, notify Notify, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		clk:       clk,
		transport: transport,
		grace:     grace,
		tick:      tick,
		notify:    notify,
		logger:    logger,
		uploads:   make(map[string]*state),
	}
}

// Upload transfers the payload and blocks until the transfer settles.
// Progress starts at 0.0 and is advanced by the transport's callbacks, or by
// simulated ticks when the transport reports nothing.
func (c *Coordinator) Upload(ctx context.Context, attachmentID string, payload io.Reader) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	st := &state{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.uploads[attachmentID]; ok {
		// A second upload for the same attachment supersedes the first.
		c.teardownLocked(attachmentID, prev)
	}
	c.uploads[attachmentID] = st
	st.ticker = c.clk.AfterFunc(c.tick, func() { c.simulateTick(attachmentID, st) })
	c.mu.Unlock()
	c.notify(attachmentID, 0, true)

	url, err := c.transport.Upload(ctx, attachmentID, payload, func(fraction float64) {
		c.setProgress(attachmentID, st, fraction, true)
	})
	if err != nil {
		c.mu.Lock()
		current := c.uploads[attachmentID] == st
		if current {
			c.teardownLocked(attachmentID, st)
		}
		c.mu.Unlock()
		if current {
			c.notify(attachmentID, 0, false)
		}
		c.logger.Warn("attachment upload failed",
			zap.String("attachment_id", attachmentID), zap.Error(err))
		return "", err
	}

	c.mu.Lock()
	if c.uploads[attachmentID] == st {
		st.fraction = 1.0
		if st.ticker != nil {
			st.ticker.Stop()
			st.ticker = nil
		}
		st.graceTimer = c.clk.AfterFunc(c.grace, func() { c.expireProgress(attachmentID, st) })
	}
	c.mu.Unlock()
	c.notify(attachmentID, 1.0, true)

	c.logger.Info("attachment uploaded",
		zap.String("attachment_id", attachmentID), zap.String("url", url))
	return url, nil
}

// Cancel aborts an in-flight upload. The failure path tears down its
// progress bookkeeping.
func (c *Coordinator) Cancel(attachmentID string) {
	c.mu.Lock()
	st, ok := c.uploads[attachmentID]
	c.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// Progress returns the current fraction for an attachment, if observable.
func (c *Coordinator) Progress(attachmentID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.uploads[attachmentID]
	if !ok {
		return 0, false
	}
	return st.fraction, true
}

// Snapshot returns all observable progress entries.
func (c *Coordinator) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.uploads))
	for id, st := range c.uploads {
		out[id] = st.fraction
	}
	return out
}

// Stop tears down every upload's timers. No timer fires after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.uploads {
		c.teardownLocked(id, st)
	}
}

func (c *Coordinator) setProgress(attachmentID string, st *state, fraction float64, real bool) {
	c.mu.Lock()
	if c.uploads[attachmentID] != st {
		c.mu.Unlock()
		return
	}
	if real {
		st.realSeen = true
	}
	// Monotonic: never move backwards.
	if fraction <= st.fraction {
		c.mu.Unlock()
		return
	}
	if fraction > 1.0 {
		fraction = 1.0
	}
	st.fraction = fraction
	c.mu.Unlock()
	c.notify(attachmentID, fraction, true)
}

// simulateTick advances progress in fixed increments while the transport has
// reported nothing. A stand-in for transports without progress events; real
// callbacks switch the simulation off.
func (c *Coordinator) simulateTick(attachmentID string, st *state) {
	c.mu.Lock()
	if c.uploads[attachmentID] != st || st.ticker == nil || st.realSeen {
		c.mu.Unlock()
		return
	}
	fraction := st.fraction + simulatedStep
	if fraction > simulatedCap {
		fraction = simulatedCap
	}
	changed := fraction > st.fraction
	if changed {
		st.fraction = fraction
	}
	st.ticker = c.clk.AfterFunc(c.tick, func() { c.simulateTick(attachmentID, st) })
	c.mu.Unlock()

	if changed {
		c.notify(attachmentID, fraction, true)
	}
}

func (c *Coordinator) expireProgress(attachmentID string, st *state) {
	c.mu.Lock()
	if c.uploads[attachmentID] != st {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(attachmentID, st)
	c.mu.Unlock()
	c.notify(attachmentID, 1.0, false)
}

// teardownLocked stops all timers and removes the entry. Caller holds mu.
func (c *Coordinator) teardownLocked(attachmentID string, st *state) {
	if st.ticker != nil {
		st.ticker.Stop()
		st.ticker = nil
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.cancel()
	delete(c.uploads, attachmentID)
}
