package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDrainInProgress is returned when a drain pass is already running.
var ErrDrainInProgress = errors.New("drain already in progress")

// Journal persists queue entries across restarts. Satisfied by *store.DB;
// a nil journal means memory-only durability.
type Journal interface {
	AppendQueue(*store.QueueRow) error
	RemoveQueue(entryID string) error
	LoadQueue() ([]store.QueueRow, error)
}

// Executor performs the real network action for one entry during a drain.
type Executor func(ctx context.Context, e Entry) error

// Queue is the ordered, priority-aware buffer of intents captured while
// offline. Emergency entries order before all non-emergency entries; within
// a priority class, capture order holds.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	draining bool
	journal  Journal
	logger   *zap.Logger
}

// New creates an empty queue. journal may be nil for memory-only mode.
func New(journal Journal, logger *zap.Logger) *Queue {
	return &Queue{journal: journal, logger: logger}
}

// Load restores journaled entries. Call once at startup, before Enqueue.
func (q *Queue) Load() error {
	if q.journal == nil {
		return nil
	}
	rows, err := q.journal.LoadQueue()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range rows {
		e, err := decodeEntry(r)
		if err != nil {
			// A corrupt row is logged and skipped rather than wedging startup.
			q.logger.Warn("skipping undecodable queue entry",
				zap.String("entry_id", r.EntryID), zap.Error(err))
			continue
		}
		q.entries = append(q.entries, e)
	}
	return nil
}

// Enqueue captures an intent. Emergency ops are inserted ahead of every
// non-emergency entry but behind earlier emergency entries.
func (q *Queue) Enqueue(op Op) Entry {
	e := Entry{
		ID:         uuid.New().String(),
		CapturedAt: time.Now(),
		Op:         op,
	}

	q.mu.Lock()
	if op.Emergency() {
		pos := 0
		for pos < len(q.entries) && q.entries[pos].Op.Emergency() {
			pos++
		}
		q.entries = slices.Insert(q.entries, pos, e)
	} else {
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()

	if q.journal != nil {
		row, err := encodeEntry(e)
		if err == nil {
			err = q.journal.AppendQueue(row)
		}
		if err != nil {
			// The entry stays live in memory; only its durability is degraded.
			q.logger.Error("failed to journal queue entry",
				zap.String("entry_id", e.ID), zap.String("action", string(op.Action())), zap.Error(err))
		}
	}

	q.logger.Info("intent queued",
		zap.String("entry_id", e.ID),
		zap.String("crew_id", op.Crew()),
		zap.String("action", string(op.Action())),
		zap.Bool("emergency", op.Emergency()))
	return e
}

// Drain iterates a stable snapshot of the current entries in order, invoking
// exec for each. Successful entries are removed; failed entries remain for the
// next drain and do not block the rest of the pass. Only one drain may run at
// a time.
func (q *Queue) Drain(ctx context.Context, exec Executor) (succeeded, failed int, err error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, 0, ErrDrainInProgress
	}
	q.draining = true
	snapshot := slices.Clone(q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, e := range snapshot {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}
		if execErr := exec(ctx, e); execErr != nil {
			failed++
			q.logger.Warn("queue entry failed during drain; retained for next pass",
				zap.String("entry_id", e.ID),
				zap.String("action", string(e.Op.Action())),
				zap.Error(execErr))
			continue
		}
		q.remove(e.ID)
		succeeded++
	}
	if succeeded > 0 || failed > 0 {
		q.logger.Info("drain pass complete", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
	}
	return succeeded, failed, nil
}

func (q *Queue) remove(entryID string) {
	q.mu.Lock()
	q.entries = slices.DeleteFunc(q.entries, func(e Entry) bool { return e.ID == entryID })
	q.mu.Unlock()
	if q.journal != nil {
		if err := q.journal.RemoveQueue(entryID); err != nil {
			q.logger.Error("failed to remove journaled entry", zap.String("entry_id", entryID), zap.Error(err))
		}
	}
}

// Entries returns a copy of the current entries in drain order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
