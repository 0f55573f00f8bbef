package streamclient

import (
	"sync"
	"time"
)

// Clock abstracts time for the client so tests can drive timers
// deterministically. The zero configuration uses the system clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) ClockTimer
}

type ClockTimer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) ClockTimer {
	return time.AfterFunc(d, fn)
}

// scheduler is the single owner of every timer the client arms: request
// timeouts, duration flush ticks, reconnect delays, and the control
// inactivity delay. Shutdown cancels all of them so a torn-down client
// never leaks timers across navigations.
type scheduler struct {
	clock Clock

	mu     sync.Mutex
	next   int
	timers map[int]ClockTimer
	closed bool
}

func newScheduler(clock Clock) *scheduler {
	return &scheduler{clock: clock, timers: make(map[int]ClockTimer)}
}

// After arms a one-shot timer and returns a cancel func. The callback is
// deregistered automatically when it fires.
func (s *scheduler) After(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.next
	s.next++
	t := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = t
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// Every arms a repeating timer with a fixed period.
func (s *scheduler) Every(d time.Duration, fn func()) (cancel func()) {
	var (
		mu        sync.Mutex
		stopped   bool
		cancelOne func()
	)
	var arm func()
	arm = func() {
		cancelOne = s.After(d, func() {
			fn()
			mu.Lock()
			defer mu.Unlock()
			if !stopped {
				arm()
			}
		})
	}
	mu.Lock()
	arm()
	mu.Unlock()
	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if cancelOne != nil {
			cancelOne()
		}
	}
}

func (s *scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
