package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Status is the binary connectivity signal.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Prober checks whether the remote store is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

const probeTimeout = 2 * time.Second

// Monitor derives an online/offline signal by probing the gateway on a fixed
// interval. Subscribers receive the current status promptly on subscription
// and every transition afterwards; delivery never blocks the monitor.
type Monitor struct {
	clk      clock.Clock
	prober   Prober
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	current Status
	nextID  int
	subs    map[int]chan Status
	cancel  context.CancelFunc
}

// NewMonitor creates a monitor; it reports Offline until Start's first probe.
func NewMonitor(clk clock.Clock, prober Prober, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		clk:      clk,
		prober:   prober,
		interval: interval,
		logger:   logger,
		current:  Offline,
		subs:     make(map[int]chan Status),
	}
}

// Start runs one immediate probe, then probes on the configured interval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.probe(ctx)
	go m.loop(ctx)
}

// Stop halts probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Status returns the last observed status without blocking.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Changes returns a channel carrying the current status immediately, then
// every transition. The returned function unsubscribes.
func (m *Monitor) Changes() (<-chan Status, func()) {
	ch := make(chan Status, 4)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- m.current
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		select {
		case <-m.clk.After(m.interval):
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.prober.Health(probeCtx)
	cancel()

	status := Online
	if err != nil {
		status = Offline
	}
	m.setStatus(status, err)
}

func (m *Monitor) setStatus(status Status, cause error) {
	m.mu.Lock()
	if m.current == status {
		m.mu.Unlock()
		return
	}
	m.current = status
	subs := make([]chan Status, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	if status == Offline {
		m.logger.Warn("connectivity lost", zap.Error(cause))
	} else {
		m.logger.Info("connectivity restored")
	}
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
			// Slow subscriber; transition dropped rather than blocking.
		}
	}
}
