// Package streamclient implements the streaming session client: one
// persistent multiplexed connection to the session gateway, correlated
// request/response on top of it, playback token brokering, and
// crash-tolerant watch-duration accounting.
package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streampass/streampass/internal/protocol"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// wireConn is the subset of *websocket.Conn the client uses. Tests
// substitute an in-memory implementation.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Config struct {
	// URL is the websocket endpoint of the session gateway.
	URL string

	// RequestTimeout bounds every correlated request. Default 10s.
	RequestTimeout time.Duration

	// Reconnection policy for unexpected closures. Defaults: 500ms
	// initial delay doubling to 15s, 6 attempts.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	// FlushInterval is the watch-duration flush cadence. Default 10s.
	FlushInterval time.Duration

	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// Clock overrides the system clock, for tests.
	Clock Clock
}

func (cfg *Config) applyDefaults() {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 15 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 6
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
}

// Client owns the single connection shared by all content playing in
// one application instance. Construct one at startup and pass it by
// reference; it carries no global state.
type Client struct {
	cfg    Config
	events *Dispatcher
	sched  *scheduler
	corr   *correlator
	tokens *TokenBroker
	watch  *WatchTracker

	dial func(ctx context.Context) (wireConn, error)

	mu              sync.Mutex
	conn            wireConn
	state           ConnState
	retryCount      int
	lastErr         error
	closed          bool
	gen             int // bumped on every (re)connect, stale readers exit
	cancelReconnect func()

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		events: newDispatcher(),
		sched:  newScheduler(cfg.Clock),
		state:  StateDisconnected,
	}
	c.dial = c.dialWebsocket
	c.corr = newCorrelator(c.send, c.sched, cfg.Clock)
	c.tokens = newTokenBroker(c)
	c.watch = newWatchTracker(c.send, c.sched, cfg.Clock, cfg.FlushInterval)
	return c
}

// Events exposes the lifecycle event dispatcher. Subscribe before
// connecting; delivery to late subscribers is not guaranteed for events
// already in flight.
func (c *Client) Events() *Dispatcher { return c.events }

// Tokens exposes the playback token broker.
func (c *Client) Tokens() *TokenBroker { return c.tokens }

// Watch exposes the watch session tracker.
func (c *Client) Watch() *WatchTracker { return c.watch }

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError reports the most recent transport error, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect establishes the transport. It is idempotent: a no-op while
// already connected, connecting, or reconnecting. The initial dial is
// not retried; reconnection with backoff applies only to unexpected
// closures of an established connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if conn != nil {
			conn.Close()
		}
		return ErrClientClosed
	}
	if err != nil {
		c.state = StateDisconnected
		c.lastErr = err
		return fmt.Errorf("connect: %w", err)
	}
	c.adoptLocked(conn)
	slog.Info("streamclient: connected", "url", c.cfg.URL)
	return nil
}

// Close tears the client down: cancels reconnection, rejects every
// in-flight request, stops all timers, and closes the transport.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.corr.failAll(ErrClientClosed)
	c.watch.shutdown()
	c.sched.Shutdown()
}

func (c *Client) dialWebsocket(ctx context.Context) (wireConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// adoptLocked installs a freshly dialed connection and starts its read
// pump. Caller holds c.mu.
func (c *Client) adoptLocked(conn wireConn) {
	c.conn = conn
	c.state = StateConnected
	c.retryCount = 0
	c.lastErr = nil
	c.gen++
	go c.readLoop(conn, c.gen)
}

func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrDisconnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn wireConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Protocol-level damage is not fatal to the connection.
			slog.Warn("streamclient: dropping malformed message", "error", err)
			continue
		}
		c.route(env)
	}
}

// route hands an inbound message to the correlator first; unmatched
// messages are unsolicited server events.
func (c *Client) route(env protocol.Envelope) {
	if env.CorrelationID != "" && c.corr.resolve(env) {
		return
	}
	switch env.Type {
	case protocol.TypeSessionRevoked:
		var ev protocol.SlugEvent
		if err := env.Decode(&ev); err != nil {
			slog.Warn("streamclient: bad session:revoked payload", "error", err)
			return
		}
		c.tokens.Clear(ev.Slug)
		c.events.emit(Event{Kind: EventSessionRevoked, Slug: ev.Slug})
	case protocol.TypeLimitExceeded:
		var ev protocol.SlugEvent
		if err := env.Decode(&ev); err != nil {
			slog.Warn("streamclient: bad limit:exceeded payload", "error", err)
			return
		}
		c.tokens.Clear(ev.Slug)
		c.events.emit(Event{Kind: EventLimitExceeded, Slug: ev.Slug})
	default:
		slog.Debug("streamclient: ignoring unsolicited message", "type", env.Type)
	}
}

func (c *Client) handleReadError(conn wireConn, gen int, err error) {
	c.mu.Lock()
	// A stale reader (superseded connection, or explicit Close) must
	// not trigger reconnection.
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	c.lastErr = err
	c.retryCount = 0
	c.mu.Unlock()

	conn.Close()
	c.corr.failAll(ErrDisconnected)
	slog.Warn("streamclient: connection lost", "error", err)
	c.events.emit(Event{Kind: EventConnectionLost, Err: err})
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	attempt := c.retryCount
	if attempt >= c.cfg.ReconnectMaxAttempts {
		c.state = StateFailed
		err := c.lastErr
		c.mu.Unlock()
		slog.Error("streamclient: reconnection attempts exhausted", "attempts", attempt, "error", err)
		c.events.emit(Event{Kind: EventReconnectionFailed, Err: err})
		return
	}
	c.retryCount++
	delay := backoffDelay(c.cfg.ReconnectInitialDelay, c.cfg.ReconnectMaxDelay, attempt)
	c.cancelReconnect = c.sched.After(delay, c.reconnectOnce)
	c.mu.Unlock()
	slog.Info("streamclient: reconnecting", "attempt", attempt+1, "delay", delay)
}

func (c *Client) reconnectOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := c.dial(ctx)

	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}
	c.adoptLocked(conn)
	c.cancelReconnect = nil
	c.mu.Unlock()

	slog.Info("streamclient: reconnected", "url", c.cfg.URL)
	c.events.emit(Event{Kind: EventReconnected})
}

func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
