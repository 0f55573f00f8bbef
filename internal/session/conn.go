package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/mssola/useragent"
	"github.com/streampass/streampass/internal/protocol"
	"github.com/streampass/streampass/internal/token"
	"golang.org/x/crypto/bcrypt"
)

const messageTimeout = 30 * time.Second

type conn struct {
	gw *Gateway
	ws *websocket.Conn

	remoteIP  string
	userAgent string

	writeMu sync.Mutex

	mu sync.Mutex
	// viewerSessionID starts server-generated and is replaced by the
	// client-reported id so watch rows key consistently.
	viewerSessionID string
	grants          map[string]grant
}

func (c *conn) viewerSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerSessionID
}

// adoptViewerSession keeps all analytics rows for this connection under
// the id the client reports.
func (c *conn) adoptViewerSession(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		c.viewerSessionID = id
	}
	return c.viewerSessionID
}

func (c *conn) readLoop() {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("session: connection dropped", "remote_addr", c.remoteIP, "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("session: dropping malformed message", "remote_addr", c.remoteIP, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		c.handle(ctx, &env)
		cancel()
	}
}

func (c *conn) handle(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTokenRequest:
		c.handleTokenRequest(ctx, env)
	case protocol.TypeWatchStart:
		c.handleWatchStart(ctx, env)
	case protocol.TypeWatchDuration:
		c.handleWatchDuration(ctx, env)
	case protocol.TypeWatchEnd:
		c.handleWatchEnd(ctx, env)
	default:
		slog.Warn("session: dropping message of unknown type", "type", env.Type)
	}
}

func (c *conn) handleTokenRequest(ctx context.Context, env *protocol.Envelope) {
	var req protocol.TokenRequest
	if err := env.Decode(&req); err != nil {
		c.sendError(env.CorrelationID, protocol.CodeNotFound, "invalid token request")
		return
	}

	var videoID, status string
	var sharePassword *string
	var requiresPurchase bool
	var concurrentLimit *int
	err := c.gw.db.QueryRow(ctx,
		`SELECT id, status, share_password, requires_purchase, concurrent_limit
		 FROM videos WHERE slug = $1`,
		req.Slug,
	).Scan(&videoID, &status, &sharePassword, &requiresPurchase, &concurrentLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		c.sendError(env.CorrelationID, protocol.CodeNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("session: video lookup failed", "slug", req.Slug, "error", err)
		c.sendError(env.CorrelationID, protocol.CodeNotFound, "video not found")
		return
	}

	if status != "ready" {
		c.sendError(env.CorrelationID, protocol.CodePreconditionRequired, "video is not ready for playback")
		return
	}

	var revoked bool
	if err := c.gw.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_sessions WHERE video_id = $1)`,
		videoID,
	).Scan(&revoked); err != nil {
		slog.Error("session: revocation lookup failed", "slug", req.Slug, "error", err)
		c.sendError(env.CorrelationID, protocol.CodeNotFound, "video not found")
		return
	}
	if revoked {
		c.sendError(env.CorrelationID, protocol.CodeUnauthorized, "sharing has been revoked for this video")
		return
	}

	if sharePassword != nil {
		if bcrypt.CompareHashAndPassword([]byte(*sharePassword), []byte(req.SharePassword)) != nil {
			c.sendError(env.CorrelationID, protocol.CodeForbidden, "incorrect password")
			return
		}
	}

	viewerSession := c.adoptViewerSession(req.ViewerSessionID)

	if requiresPurchase {
		var purchased bool
		if err := c.gw.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM purchases WHERE video_id = $1 AND viewer_session_id = $2)`,
			videoID, viewerSession,
		).Scan(&purchased); err != nil {
			slog.Error("session: purchase lookup failed", "slug", req.Slug, "error", err)
			c.sendError(env.CorrelationID, protocol.CodeNotFound, "video not found")
			return
		}
		if !purchased {
			c.sendError(env.CorrelationID, protocol.CodePaymentRequired, "purchase required to watch this video")
			return
		}
	}

	limit := c.gw.defaultLimit
	if concurrentLimit != nil {
		limit = *concurrentLimit
	}
	c.gw.acquireSlot(c, req.Slug, videoID, limit)

	signed, err := token.GeneratePlaybackToken(c.gw.jwtSecret, req.Slug, viewerSession)
	if err != nil {
		slog.Error("session: token generation failed", "slug", req.Slug, "error", err)
		c.sendError(env.CorrelationID, protocol.CodePreconditionRequired, "failed to issue playback token")
		return
	}

	c.sendResponse(env.CorrelationID, protocol.TokenGrant{
		Slug:     req.Slug,
		Token:    signed,
		IssuedAt: time.Now().UTC(),
	})
}

func (c *conn) sendResponse(correlationID string, grant protocol.TokenGrant) {
	payload, err := json.Marshal(grant)
	if err != nil {
		slog.Error("session: marshal token grant", "error", err)
		return
	}
	c.send(protocol.Envelope{
		Type:          protocol.TypeTokenResponse,
		CorrelationID: correlationID,
		OK:            true,
		Payload:       payload,
	})
}

func (c *conn) sendError(correlationID, code, message string) {
	c.send(protocol.Envelope{
		Type:          protocol.TypeTokenResponse,
		CorrelationID: correlationID,
		Error:         &protocol.WireError{Code: code, Message: message},
	})
}

func (c *conn) pushLimitExceeded(slug string) {
	payload, _ := json.Marshal(protocol.SlugEvent{Slug: slug, Reason: "concurrent viewer limit reached"})
	c.send(protocol.Envelope{Type: protocol.TypeLimitExceeded, Payload: payload})
}

func (c *conn) pushRevoked(slug, reason string) {
	payload, _ := json.Marshal(protocol.SlugEvent{Slug: slug, Reason: reason})
	c.send(protocol.Envelope{Type: protocol.TypeSessionRevoked, Payload: payload})
}

func (c *conn) send(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("session: marshal envelope", "type", env.Type, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("session: write failed", "type", env.Type, "remote_addr", c.remoteIP, "error", err)
	}
}

func (c *conn) grantFor(slug string) (grant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.grants[slug]
	return g, ok
}

func (c *conn) setGrant(slug string, g grant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[slug] = g
}

func (c *conn) dropGrant(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, slug)
}

func viewerHash(ip, userAgent string) string {
	h := sha256.Sum256([]byte(ip + "|" + userAgent))
	return fmt.Sprintf("%x", h[:8])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func parseDeviceType(uaString string) string {
	if uaString == "" {
		return ""
	}
	ua := useragent.New(uaString)
	switch {
	case ua.Bot():
		return "bot"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}
