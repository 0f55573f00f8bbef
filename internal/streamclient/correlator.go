package streamclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streampass/streampass/internal/protocol"
)

type pendingResult struct {
	env protocol.Envelope
	err error
}

type pendingRequest struct {
	correlationID string
	key           string
	createdAt     time.Time
	done          chan pendingResult
	cancelTimer   func()
}

// correlator matches responses on the multiplexed connection to the
// requests that caused them. It enforces at most one outstanding request
// per key: a second request for the same key fails fast instead of
// multiplying wire traffic.
type correlator struct {
	send  func(protocol.Envelope) error
	sched *scheduler
	clock Clock

	mu    sync.Mutex
	byKey map[string]*pendingRequest
	byID  map[string]*pendingRequest
}

func newCorrelator(send func(protocol.Envelope) error, sched *scheduler, clock Clock) *correlator {
	return &correlator{
		send:  send,
		sched: sched,
		clock: clock,
		byKey: make(map[string]*pendingRequest),
		byID:  make(map[string]*pendingRequest),
	}
}

// roundTrip sends a correlated request and waits for its response, the
// timeout, or context cancellation. A response with ok=false resolves to
// the wire error.
func (c *correlator) roundTrip(ctx context.Context, key, msgType string, payload any, timeout time.Duration) (protocol.Envelope, error) {
	c.mu.Lock()
	if _, exists := c.byKey[key]; exists {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrRequestInProgress
	}

	id := uuid.NewString()
	req := &pendingRequest{
		correlationID: id,
		key:           key,
		createdAt:     c.clock.Now(),
		done:          make(chan pendingResult, 1),
	}
	c.byKey[key] = req
	c.byID[id] = req
	// Armed under the lock so resolve never observes a nil cancelTimer.
	req.cancelTimer = c.sched.After(timeout, func() {
		c.fail(id, ErrRequestTimeout)
	})
	c.mu.Unlock()

	env, err := protocol.Encode(msgType, id, payload)
	if err == nil {
		err = c.send(env)
	}
	if err != nil {
		c.discard(id)
		return protocol.Envelope{}, err
	}

	select {
	case res := <-req.done:
		if res.err != nil {
			return protocol.Envelope{}, res.err
		}
		if !res.env.OK {
			werr := res.env.Error
			if werr == nil {
				werr = &protocol.WireError{Code: "unknown", Message: "request rejected"}
			}
			return res.env, werr
		}
		return res.env, nil
	case <-ctx.Done():
		c.discard(id)
		return protocol.Envelope{}, ctx.Err()
	}
}

// resolve hands an inbound envelope to its waiting request. It reports
// false when no request matches, in which case the caller treats the
// message as unsolicited.
func (c *correlator) resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	req, ok := c.byID[env.CorrelationID]
	if ok {
		c.removeLocked(req)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if req.cancelTimer != nil {
		req.cancelTimer()
	}
	req.done <- pendingResult{env: env}
	return true
}

func (c *correlator) fail(correlationID string, err error) {
	c.mu.Lock()
	req, ok := c.byID[correlationID]
	if ok {
		c.removeLocked(req)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if req.cancelTimer != nil {
		req.cancelTimer()
	}
	req.done <- pendingResult{err: err}
}

// failAll rejects every live request, used on disconnect so no caller
// is left hanging on a dead connection.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.byID))
	for _, req := range c.byID {
		pending = append(pending, req)
	}
	c.byKey = make(map[string]*pendingRequest)
	c.byID = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if len(pending) > 0 {
		slog.Debug("streamclient: rejecting in-flight requests", "count", len(pending), "reason", err)
	}
	for _, req := range pending {
		if req.cancelTimer != nil {
			req.cancelTimer()
		}
		req.done <- pendingResult{err: err}
	}
}

func (c *correlator) discard(correlationID string) {
	c.mu.Lock()
	req, ok := c.byID[correlationID]
	if ok {
		c.removeLocked(req)
	}
	c.mu.Unlock()
	if ok && req.cancelTimer != nil {
		req.cancelTimer()
	}
}

func (c *correlator) removeLocked(req *pendingRequest) {
	delete(c.byID, req.correlationID)
	delete(c.byKey, req.key)
}
