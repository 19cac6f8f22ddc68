package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Notify is invoked with a crew's full typing set whenever it changes,
// including on timer expiry.
type Notify func(crewID string, members []string)

type timerKey struct {
	crew   string
	member string
}

type timerEntry struct {
	timer clock.Timer
	gen   uint64
}

// Tracker maintains per-crew sets of currently-typing members. Membership
// self-clears after the quiescence window with no further activity. Purely
// advisory and client-local; no network calls.
type Tracker struct {
	mu      sync.Mutex
	clk     clock.Clock
	ttl     time.Duration
	notify  Notify
	logger  *zap.Logger
	lastGen uint64
	timers  map[timerKey]*timerEntry
	crews   map[string]map[string]struct{}
}

// NewTracker creates a tracker with the given quiescence window.
func NewTracker(clk clock.Clock, ttl time.Duration, notify Notify, logger *zap.Logger) *Tracker {
	return &Tracker{
		clk:    clk,
		ttl:    ttl,
		notify: notify,
		logger: logger,
		timers: make(map[timerKey]*timerEntry),
		crews:  make(map[string]map[string]struct{}),
	}
}

// SetTyping adds or removes a member from a crew's typing set. Setting true
// (re)starts the expiry countdown; repeated true calls reset it rather than
// stacking. Setting false removes the member and cancels the countdown.
func (t *Tracker) SetTyping(crewID, memberID string, isTyping bool) {
	key := timerKey{crew: crewID, member: memberID}

	t.mu.Lock()
	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
		delete(t.timers, key)
	}

	if isTyping {
		set, ok := t.crews[crewID]
		if !ok {
			set = make(map[string]struct{})
			t.crews[crewID] = set
		}
		set[memberID] = struct{}{}

		t.lastGen++
		gen := t.lastGen
		entry := &timerEntry{gen: gen}
		entry.timer = t.clk.AfterFunc(t.ttl, func() { t.expire(crewID, memberID, gen) })
		t.timers[key] = entry
	} else {
		t.removeLocked(crewID, memberID)
	}
	members := t.membersLocked(crewID)
	t.mu.Unlock()

	t.notify(crewID, members)
}

func (t *Tracker) expire(crewID, memberID string, gen uint64) {
	key := timerKey{crew: crewID, member: memberID}

	t.mu.Lock()
	entry, ok := t.timers[key]
	if !ok || entry.gen != gen {
		// Cancelled or reset between firing and running.
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.removeLocked(crewID, memberID)
	members := t.membersLocked(crewID)
	t.mu.Unlock()

	t.logger.Debug("typing indicator expired",
		zap.String("crew_id", crewID), zap.String("member_id", memberID))
	t.notify(crewID, members)
}

// Members returns the crew's current typing set, sorted.
func (t *Tracker) Members(crewID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked(crewID)
}

// ClearCrew removes every member and cancels every timer for one crew.
// Used when a crew subscription stops.
func (t *Tracker) ClearCrew(crewID string) {
	t.mu.Lock()
	for key, entry := range t.timers {
		if key.crew == crewID {
			entry.timer.Stop()
			delete(t.timers, key)
		}
	}
	delete(t.crews, crewID)
	t.mu.Unlock()

	t.notify(crewID, nil)
}

// Stop cancels every timer. No expiry callback mutates state after Stop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
	t.crews = make(map[string]map[string]struct{})
}

func (t *Tracker) removeLocked(crewID, memberID string) {
	if set, ok := t.crews[crewID]; ok {
		delete(set, memberID)
		if len(set) == 0 {
			delete(t.crews, crewID)
		}
	}
}

func (t *Tracker) membersLocked(crewID string) []string {
	set := t.crews[crewID]
	if len(set) == 0 {
		return nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
