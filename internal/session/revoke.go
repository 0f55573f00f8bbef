package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/streampass/streampass/internal/httputil"
)

var errVideoNotFound = errors.New("video not found")

type revokeRequest struct {
	Reason string `json:"reason"`
}

// HandleRevoke is the owner-facing endpoint that kills sharing for a
// video: every connected viewer is pushed a session:revoked event and
// later token requests are refused.
func (g *Gateway) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req revokeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "sharing revoked by owner"
	}

	if err := g.Revoke(r.Context(), slug, req.Reason); err != nil {
		if errors.Is(err, errVideoNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "video not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to revoke sharing")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Revoke records the revocation and pushes it to live viewers of slug.
func (g *Gateway) Revoke(ctx context.Context, slug, reason string) error {
	var videoID string
	err := g.db.QueryRow(ctx, `SELECT id FROM videos WHERE slug = $1`, slug).Scan(&videoID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errVideoNotFound
	}
	if err != nil {
		return fmt.Errorf("video lookup: %w", err)
	}

	if _, err := g.db.Exec(ctx,
		`INSERT INTO revoked_sessions (video_id, reason) VALUES ($1, $2)`,
		videoID, reason,
	); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}

	if _, err := g.db.Exec(ctx,
		`UPDATE watch_sessions SET ended_at = now() WHERE video_id = $1 AND ended_at IS NULL`,
		videoID,
	); err != nil {
		return fmt.Errorf("close watch sessions: %w", err)
	}

	g.pushToSlug(slug, func(c *conn) {
		c.pushRevoked(slug, reason)
		c.dropGrant(slug)
	})
	return nil
}
