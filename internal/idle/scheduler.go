// Package idle drives the per-user Active -> Idle -> ForceDisconnected timers.
package idle

import (
	"sync"
	"time"
)

const (
	DefaultIdleAfter           = 3 * time.Minute
	DefaultIdleDisconnectAfter = 30 * time.Minute
)

// Config holds the two timer windows.
type Config struct {
	IdleAfter           time.Duration
	IdleDisconnectAfter time.Duration
}

// Callbacks are invoked from timer goroutines without the scheduler lock held.
type Callbacks struct {
	// OnIdle fires when the idle-mark window elapses. It returns whether the user
	// was actually flagged idle; only then is the idle-disconnect timer armed.
	OnIdle func(userID string, scheduledAt time.Time) bool
	// OnIdleDisconnect fires when idleness outlasts the second window.
	OnIdleDisconnect func(userID string, generation uint64)
}

type entry struct {
	gen        uint64
	idle       *time.Timer
	disconnect *time.Timer
}

func (e *entry) stop() {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	if e.disconnect != nil {
		e.disconnect.Stop()
		e.disconnect = nil
	}
}

// Scheduler keeps at most one idle-mark and one idle-disconnect timer per user.
// Every reschedule bumps the user's generation; a timer whose generation is no
// longer current does nothing when it fires.
type Scheduler struct {
	cfg Config
	cb  Callbacks
	now func() time.Time

	mu      sync.Mutex
	users   map[string]*entry
	stopped bool
}

// New creates a scheduler. Zero windows fall back to the defaults.
func New(cfg Config, cb Callbacks) *Scheduler {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.IdleDisconnectAfter <= 0 {
		cfg.IdleDisconnectAfter = DefaultIdleDisconnectAfter
	}
	return &Scheduler{
		cfg:   cfg,
		cb:    cb,
		now:   time.Now,
		users: make(map[string]*entry),
	}
}

// Touch records activity: pending timers are cancelled and the idle-mark timer
// is scheduled again.
func (s *Scheduler) Touch(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	e := s.entryLocked(userID)
	e.stop()
	e.gen++
	gen, scheduledAt := e.gen, s.now()
	e.idle = time.AfterFunc(s.cfg.IdleAfter, func() { s.fireIdle(userID, gen, scheduledAt) })
}

// MarkIdle handles a client-declared idle: the idle-mark timer is skipped and
// the idle-disconnect window starts now. The caller has already flagged the user.
func (s *Scheduler) MarkIdle(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	e := s.entryLocked(userID)
	e.stop()
	e.gen++
	s.armDisconnectLocked(userID, e)
}

// Cancel drops every timer for the user.
func (s *Scheduler) Cancel(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.users[userID]; ok {
		e.stop()
		delete(s.users, userID)
	}
}

// generation returns the user's current generation, zero when untracked.
func (s *Scheduler) generation(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userID]; ok {
		return e.gen
	}
	return 0
}

// Pending returns the number of users with timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Stop cancels every timer. Later calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, e := range s.users {
		e.stop()
		delete(s.users, id)
	}
}

func (s *Scheduler) entryLocked(userID string) *entry {
	e, ok := s.users[userID]
	if !ok {
		e = &entry{}
		s.users[userID] = e
	}
	return e
}

func (s *Scheduler) armDisconnectLocked(userID string, e *entry) {
	gen := e.gen
	e.disconnect = time.AfterFunc(s.cfg.IdleDisconnectAfter, func() { s.fireDisconnect(userID, gen) })
}

func (s *Scheduler) current(userID string, gen uint64) (*entry, bool) {
	e, ok := s.users[userID]
	if !ok || e.gen != gen || s.stopped {
		return nil, false
	}
	return e, true
}

func (s *Scheduler) fireIdle(userID string, gen uint64, scheduledAt time.Time) {
	s.mu.Lock()
	e, ok := s.current(userID, gen)
	if ok {
		e.idle = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.cb.OnIdle == nil || !s.cb.OnIdle(userID, scheduledAt) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Activity may have arrived while OnIdle ran.
	if e, ok := s.current(userID, gen); ok {
		s.armDisconnectLocked(userID, e)
	}
}

func (s *Scheduler) fireDisconnect(userID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.current(userID, gen)
	if ok {
		e.disconnect = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.cb.OnIdleDisconnect != nil {
		s.cb.OnIdleDisconnect(userID, gen)
	}
}
