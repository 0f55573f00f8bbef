package session

import (
	"context"
	"log/slog"

	"github.com/streampass/streampass/internal/protocol"
)

// Duration deltas arrive every few seconds from honest clients; a
// single delta above this cap is a stuck or hostile client and is
// clamped rather than trusted.
const maxDeltaSeconds = 6 * 60 * 60

func (c *conn) handleWatchStart(ctx context.Context, env *protocol.Envelope) {
	var body protocol.WatchStart
	if err := env.Decode(&body); err != nil {
		slog.Warn("session: dropping malformed watch:start", "error", err)
		return
	}

	videoID, ok := c.videoIDForSlug(ctx, body.Slug)
	if !ok {
		return
	}

	viewerSession := c.adoptViewerSession(body.ViewerSessionID)

	deviceType := body.Metadata.DeviceType
	if deviceType == "" {
		deviceType = parseDeviceType(c.userAgent)
	}
	country := body.Metadata.Country
	if country == "" && c.gw.geo != nil {
		country, _ = c.gw.geo.Lookup(c.remoteIP)
	}

	if _, err := c.gw.db.Exec(ctx,
		`INSERT INTO watch_sessions (video_id, viewer_session_id, viewer_hash, device_type, country, source)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (video_id, viewer_session_id) DO NOTHING`,
		videoID, viewerSession, viewerHash(c.remoteIP, c.userAgent), deviceType, country, body.Metadata.Source,
	); err != nil {
		slog.Error("session: failed to record watch start", "slug", body.Slug, "error", err)
	}
}

func (c *conn) handleWatchDuration(ctx context.Context, env *protocol.Envelope) {
	var body protocol.WatchDuration
	if err := env.Decode(&body); err != nil {
		slog.Warn("session: dropping malformed watch:duration", "error", err)
		return
	}
	if body.DeltaSeconds <= 0 {
		return
	}
	delta := body.DeltaSeconds
	if delta > maxDeltaSeconds {
		delta = maxDeltaSeconds
	}

	videoID, ok := c.videoIDForSlug(ctx, body.Slug)
	if !ok {
		return
	}

	if _, err := c.gw.db.Exec(ctx,
		`UPDATE watch_sessions SET duration_seconds = duration_seconds + $1
		 WHERE video_id = $2 AND viewer_session_id = $3 AND ended_at IS NULL`,
		delta, videoID, c.viewerSession(),
	); err != nil {
		slog.Error("session: failed to record watch duration", "slug", body.Slug, "error", err)
	}
}

func (c *conn) handleWatchEnd(ctx context.Context, env *protocol.Envelope) {
	var body protocol.WatchEnd
	if err := env.Decode(&body); err != nil {
		slog.Warn("session: dropping malformed watch:end", "error", err)
		return
	}

	videoID, ok := c.videoIDForSlug(ctx, body.Slug)
	if !ok {
		return
	}

	if _, err := c.gw.db.Exec(ctx,
		`UPDATE watch_sessions SET ended_at = now()
		 WHERE video_id = $1 AND viewer_session_id = $2 AND ended_at IS NULL`,
		videoID, c.viewerSession(),
	); err != nil {
		slog.Error("session: failed to record watch end", "slug", body.Slug, "error", err)
	}
}

// videoIDForSlug prefers the id cached at token grant and falls back to
// a lookup for clients that report watch activity before requesting a
// token.
func (c *conn) videoIDForSlug(ctx context.Context, slug string) (string, bool) {
	if g, ok := c.grantFor(slug); ok {
		return g.videoID, true
	}
	var videoID string
	if err := c.gw.db.QueryRow(ctx,
		`SELECT id FROM videos WHERE slug = $1`, slug,
	).Scan(&videoID); err != nil {
		slog.Warn("session: watch event for unknown video", "slug", slug, "error", err)
		return "", false
	}
	return videoID, true
}
