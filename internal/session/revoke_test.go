package session

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/streampass/streampass/internal/protocol"
)

func expectRevocation(mock pgxmock.PgxPoolIface, slug, reason string) {
	mock.ExpectQuery(`SELECT id FROM videos`).
		WithArgs(slug).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("video-001"))
	mock.ExpectExec(`INSERT INTO revoked_sessions`).
		WithArgs("video-001", reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE watch_sessions SET ended_at`).
		WithArgs("video-001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func TestRevoke_PushesToLiveViewers(t *testing.T) {
	mock, gw, srv := newGatewayTest(t, 0)
	ws := dialGateway(t, srv)

	expectVideoLookup(mock, "film-1", videoRow("ready", nil, false, nil))
	expectNotRevoked(mock)
	sendEnvelope(t, ws, protocol.TypeTokenRequest, "corr-1", protocol.TokenRequest{Slug: "film-1", ViewerSessionID: "viewer-1"})
	if resp := readEnvelope(t, ws); !resp.OK {
		t.Fatalf("expected grant, got %+v", resp.Error)
	}

	expectRevocation(mock, "film-1", "owner pulled the link")

	r := chi.NewRouter()
	r.Post("/api/sessions/{slug}/revoke", gw.HandleRevoke)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/film-1/revoke",
		bytes.NewReader([]byte(`{"reason":"owner pulled the link"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNoContent, rec.Code, rec.Body.String())
	}

	push := readEnvelope(t, ws)
	if push.Type != protocol.TypeSessionRevoked {
		t.Fatalf("expected session:revoked push, got %+v", push)
	}
	var ev protocol.SlugEvent
	if err := push.Decode(&ev); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if ev.Slug != "film-1" || ev.Reason != "owner pulled the link" {
		t.Errorf("unexpected push payload %+v", ev)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestRevoke_DefaultsReason(t *testing.T) {
	mock, gw, srv := newGatewayTest(t, 0)
	_ = srv

	expectRevocation(mock, "film-1", "sharing revoked by owner")

	r := chi.NewRouter()
	r.Post("/api/sessions/{slug}/revoke", gw.HandleRevoke)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/film-1/revoke", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestRevoke_UnknownVideo(t *testing.T) {
	mock, gw, _ := newGatewayTest(t, 0)

	mock.ExpectQuery(`SELECT id FROM videos`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	r := chi.NewRouter()
	r.Post("/api/sessions/{slug}/revoke", gw.HandleRevoke)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/missing/revoke", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestTokenAfterRevoke_IsUnauthorized(t *testing.T) {
	mock, gw, srv := newGatewayTest(t, 0)
	ws := dialGateway(t, srv)

	expectRevocation(mock, "film-1", "sharing revoked by owner")
	if err := gw.Revoke(context.Background(), "film-1", "sharing revoked by owner"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	expectVideoLookup(mock, "film-1", videoRow("ready", nil, false, nil))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM revoked_sessions`).
		WithArgs("video-001").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	sendEnvelope(t, ws, protocol.TypeTokenRequest, "corr-1", protocol.TokenRequest{Slug: "film-1"})
	resp := readEnvelope(t, ws)
	if resp.Error == nil || resp.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected unauthorized after revocation, got %+v", resp)
	}
}
