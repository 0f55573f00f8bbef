// Package session implements the gateway side of the persistent
// streaming session connection: it upgrades viewers to a bidirectional
// connection, issues playback tokens, persists watch analytics, and
// pushes revocation and concurrency events.
package session

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/streampass/streampass/internal/database"
)

// GeoResolver resolves a client IP to location metadata.
type GeoResolver interface {
	Lookup(ip string) (country, city string)
}

type Config struct {
	DB        database.DBTX
	JWTSecret string
	Geo       GeoResolver
	// DefaultConcurrentLimit applies to videos without a per-video
	// limit. Zero means unlimited.
	DefaultConcurrentLimit int
}

type Gateway struct {
	db           database.DBTX
	jwtSecret    string
	geo          GeoResolver
	defaultLimit int

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		db:           cfg.DB,
		jwtSecret:    cfg.JWTSecret,
		geo:          cfg.Geo,
		defaultLimit: cfg.DefaultConcurrentLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser viewers arrive from the share page origin;
			// token issuance is gated separately, so the handshake
			// itself is open.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// ServeWS upgrades the request and runs the connection until the viewer
// goes away.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("session: upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		gw:              g,
		ws:              ws,
		remoteIP:        clientIP(r),
		userAgent:       r.UserAgent(),
		viewerSessionID: uuid.NewString(),
		grants:          make(map[string]grant),
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	c.readLoop()

	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// ConnectionCount reports the number of live viewer connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

type grant struct {
	videoID   string
	grantedAt time.Time
}

// acquireSlot admits c as a watcher of slug, evicting the oldest holder
// when the video is at its concurrent-viewer limit. The evicted viewer
// is told why.
func (g *Gateway) acquireSlot(c *conn, slug, videoID string, limit int) {
	g.mu.Lock()

	var oldest *conn
	var oldestAt time.Time
	holders := 0
	for other := range g.conns {
		if other == c {
			continue
		}
		if gr, ok := other.grantFor(slug); ok {
			holders++
			if oldest == nil || gr.grantedAt.Before(oldestAt) {
				oldest = other
				oldestAt = gr.grantedAt
			}
		}
	}

	if limit > 0 && holders >= limit && oldest != nil {
		oldest.dropGrant(slug)
	}
	g.mu.Unlock()

	if limit > 0 && holders >= limit && oldest != nil {
		oldest.pushLimitExceeded(slug)
	}

	c.setGrant(slug, grant{videoID: videoID, grantedAt: time.Now()})
}

// pushToSlug delivers an unsolicited event to every connection holding
// a grant for slug.
func (g *Gateway) pushToSlug(slug string, send func(*conn)) {
	g.mu.Lock()
	var targets []*conn
	for c := range g.conns {
		if _, ok := c.grantFor(slug); ok {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		send(c)
	}
}
