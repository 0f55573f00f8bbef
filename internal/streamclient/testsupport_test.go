package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streampass/streampass/internal/protocol"
)

// fakeClock drives every client timer deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) ClockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

// Advance moves the clock forward, firing due timers in time order.
// Timers armed by fired callbacks participate if they fall inside the
// window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// fakeConn is an in-memory wire: the test plays the gateway side.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// serverSend injects a gateway message into the client's read loop.
func (c *fakeConn) serverSend(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal server message: %v", err)
	}
	c.in <- data
}

// sentEnvelopes decodes everything the client wrote, optionally
// filtered by message type.
func (c *fakeConn) sentEnvelopes(t *testing.T, msgType string) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var envs []protocol.Envelope
	for _, data := range c.out {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("client wrote malformed frame: %v", err)
		}
		if msgType == "" || env.Type == msgType {
			envs = append(envs, env)
		}
	}
	return envs
}

// waitForSent polls until the client has written n messages of the
// given type, failing the test after a real-time deadline.
func (c *fakeConn) waitForSent(t *testing.T, msgType string, n int) []protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		envs := c.sentEnvelopes(t, msgType)
		if len(envs) >= n {
			return envs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s messages, have %d", n, msgType, len(c.sentEnvelopes(t, msgType)))
	return nil
}

type testHarness struct {
	client *Client
	clock  *fakeClock

	mu    sync.Mutex
	conns []*fakeConn
	dials int
	// dialErr, when set, makes the next dials fail.
	dialErr error
}

func (h *testHarness) conn() *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func (h *testHarness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *testHarness) setDialErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := newFakeClock()
	h := &testHarness{clock: clock}
	h.client = New(Config{
		URL:                  "ws://gateway.test/ws",
		RequestTimeout:       10 * time.Second,
		ReconnectMaxAttempts: 3,
		Clock:                clock,
	})
	h.client.dial = func(ctx context.Context) (wireConn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dials++
		if h.dialErr != nil {
			return nil, h.dialErr
		}
		conn := newFakeConn()
		h.conns = append(h.conns, conn)
		return conn, nil
	}
	t.Cleanup(h.client.Close)
	return h
}

func connectedHarness(t *testing.T) *testHarness {
	t.Helper()
	h := newTestHarness(t)
	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return h
}

// respondToken answers the next token:request for slug on the gateway
// side, from a separate goroutine so the test can block in Request.
func (h *testHarness) respondToken(t *testing.T, tokenValue string) {
	t.Helper()
	conn := h.conn()
	base := len(conn.sentEnvelopes(t, protocol.TypeTokenRequest))
	go func() {
		envs := conn.waitForSent(t, protocol.TypeTokenRequest, base+1)
		req := envs[base]
		var body protocol.TokenRequest
		if err := req.Decode(&body); err != nil {
			t.Errorf("decode token request: %v", err)
			return
		}
		payload, _ := json.Marshal(protocol.TokenGrant{Slug: body.Slug, Token: tokenValue, IssuedAt: h.clock.Now()})
		conn.serverSend(t, protocol.Envelope{
			Type:          protocol.TypeTokenResponse,
			CorrelationID: req.CorrelationID,
			OK:            true,
			Payload:       payload,
		})
	}()
}

func (h *testHarness) rejectToken(t *testing.T, code, message string) {
	t.Helper()
	conn := h.conn()
	base := len(conn.sentEnvelopes(t, protocol.TypeTokenRequest))
	go func() {
		envs := conn.waitForSent(t, protocol.TypeTokenRequest, base+1)
		req := envs[base]
		conn.serverSend(t, protocol.Envelope{
			Type:          protocol.TypeTokenResponse,
			CorrelationID: req.CorrelationID,
			Error:         &protocol.WireError{Code: code, Message: message},
		})
	}()
}

// advanceUntil repeatedly advances the fake clock in large steps until
// cond holds, giving asynchronously armed timers (reconnect delays) a
// chance to register between steps.
func advanceUntil(t *testing.T, h *testHarness, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		h.clock.Advance(30 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached while advancing clock")
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
