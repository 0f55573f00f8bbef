package streamclient

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streampass/streampass/internal/protocol"
)

type watchState int

const (
	watchIdle watchState = iota
	watchActive
	watchPaused
	watchEnded
)

type watchSession struct {
	slug        string
	state       watchState
	hasStarted  bool
	accumulated int64
	windowStart time.Time
	metadata    protocol.WatchMetadata
	cancelTick  func()
}

// WatchTracker maintains one view record per slug: it creates the
// server-side session at most once per activation, accumulates watched
// seconds locally, and flushes incremental deltas on a fixed cadence
// and on pause/end. Deltas are idempotent by construction: a lost
// message undercounts its slice but can never double-count.
//
// All wire sends are fire-and-forget. Losing a view record must not
// break playback, so failures are logged and swallowed.
type WatchTracker struct {
	send     func(protocol.Envelope) error
	sched    *scheduler
	clock    Clock
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*watchSession
}

func newWatchTracker(send func(protocol.Envelope) error, sched *scheduler, clock Clock, interval time.Duration) *WatchTracker {
	return &WatchTracker{
		send:     send,
		sched:    sched,
		clock:    clock,
		interval: interval,
		sessions: make(map[string]*watchSession),
	}
}

// Start begins a watch session for slug. It is idempotent within one
// activation: a second call while the session is active or ended is a
// no-op, and a call while paused resumes instead of re-creating the
// server-side record.
func (t *WatchTracker) Start(slug string, metadata protocol.WatchMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[slug]
	if s == nil {
		s = &watchSession{slug: slug}
		t.sessions[slug] = s
	}
	switch s.state {
	case watchActive, watchEnded:
		return
	case watchPaused:
		t.resumeLocked(s)
		return
	}

	s.hasStarted = true
	s.metadata = metadata
	s.state = watchActive
	s.windowStart = t.clock.Now()
	t.armTickLocked(s)
	t.fireAndForget(protocol.TypeWatchStart, protocol.WatchStart{Slug: slug, Metadata: metadata})
}

// Pause flushes the elapsed slice and stops the flush timer. Calling it
// after End is a no-op; an end-driven pause must not double-flush.
func (t *WatchTracker) Pause(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[slug]
	if s == nil || s.state != watchActive {
		return
	}
	t.flushLocked(s)
	s.state = watchPaused
	t.stopTickLocked(s)
}

// Resume restarts accrual after Pause. The server-side record is
// untouched: hasStarted stays true and no watch:start is re-sent.
func (t *WatchTracker) Resume(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[slug]
	if s == nil || s.state != watchPaused {
		return
	}
	t.resumeLocked(s)
}

// End performs a final flush, sends watch:end, and closes the session.
// It is safe to call more than once; natural completion and component
// teardown are expected to race here.
func (t *WatchTracker) End(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[slug]
	if s == nil || s.state == watchEnded || s.state == watchIdle {
		return
	}
	if s.state == watchActive {
		t.flushLocked(s)
	}
	t.stopTickLocked(s)
	s.state = watchEnded
	t.fireAndForget(protocol.TypeWatchEnd, protocol.WatchEnd{Slug: slug})
}

// Reset clears the local idempotence guard after a completed session so
// a replay may call Start again. Whether the server opens a new view
// record for the replay is the server's policy, not the client's.
func (t *WatchTracker) Reset(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[slug]
	if s == nil {
		return
	}
	t.stopTickLocked(s)
	delete(t.sessions, slug)
}

// HasStarted reports whether a watch:start was sent for the current
// activation of slug.
func (t *WatchTracker) HasStarted(slug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[slug]
	return s != nil && s.hasStarted
}

// Ended reports whether the current activation of slug has ended.
func (t *WatchTracker) Ended(slug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[slug]
	return s != nil && s.state == watchEnded
}

// AccumulatedSeconds returns the total flushed seconds for the current
// activation of slug.
func (t *WatchTracker) AccumulatedSeconds(slug string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[slug]
	if s == nil {
		return 0
	}
	return s.accumulated
}

func (t *WatchTracker) resumeLocked(s *watchSession) {
	s.state = watchActive
	s.windowStart = t.clock.Now()
	t.armTickLocked(s)
}

func (t *WatchTracker) armTickLocked(s *watchSession) {
	t.stopTickLocked(s)
	slug := s.slug
	s.cancelTick = t.sched.Every(t.interval, func() {
		t.tick(slug)
	})
}

func (t *WatchTracker) stopTickLocked(s *watchSession) {
	if s.cancelTick != nil {
		s.cancelTick()
		s.cancelTick = nil
	}
}

func (t *WatchTracker) tick(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[slug]
	if s == nil || s.state != watchActive {
		return
	}
	t.flushLocked(s)
}

// flushLocked sends the elapsed slice since the last flush as a
// duration delta and resets the window. Negative elapsed (clock gone
// backwards) flushes nothing.
func (t *WatchTracker) flushLocked(s *watchSession) {
	now := t.clock.Now()
	delta := int64(now.Sub(s.windowStart) / time.Second)
	s.windowStart = now
	if delta <= 0 {
		return
	}
	s.accumulated += delta
	t.fireAndForget(protocol.TypeWatchDuration, protocol.WatchDuration{Slug: s.slug, DeltaSeconds: delta})
}

func (t *WatchTracker) fireAndForget(msgType string, payload any) {
	env, err := protocol.Encode(msgType, "", payload)
	if err == nil {
		err = t.send(env)
	}
	if err != nil {
		slog.Warn("streamclient: watch message dropped", "type", msgType, "error", err)
	}
}

// shutdown ends every open session, flushing what it can. Called from
// Client.Close.
func (t *WatchTracker) shutdown() {
	t.mu.Lock()
	slugs := make([]string, 0, len(t.sessions))
	for slug := range t.sessions {
		slugs = append(slugs, slug)
	}
	t.mu.Unlock()
	for _, slug := range slugs {
		t.End(slug)
	}
}
