package streamclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streampass/streampass/internal/protocol"
)

func TestTokenRequest_Success(t *testing.T) {
	h := connectedHarness(t)
	h.respondToken(t, "tok-abc")

	tok, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{ShareSessionID: "share-9"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if tok.Slug != "film-1" || tok.Value != "tok-abc" {
		t.Errorf("unexpected token %+v", tok)
	}

	reqs := h.conn().sentEnvelopes(t, protocol.TypeTokenRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 wire request, got %d", len(reqs))
	}
	var body protocol.TokenRequest
	if err := reqs[0].Decode(&body); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if body.ShareSessionID != "share-9" {
		t.Errorf("share session id not carried, got %q", body.ShareSessionID)
	}
}

func TestTokenRequest_SecondCallUsesCache(t *testing.T) {
	h := connectedHarness(t)
	h.respondToken(t, "tok-abc")

	first, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if first.Value != second.Value {
		t.Errorf("cache returned a different token: %q vs %q", first.Value, second.Value)
	}
	if reqs := h.conn().sentEnvelopes(t, protocol.TypeTokenRequest); len(reqs) != 1 {
		t.Errorf("expected 1 wire request total, got %d", len(reqs))
	}
}

func TestTokenRequest_DuplicateInFlightFailsFast(t *testing.T) {
	h := connectedHarness(t)

	// First request stays pending: the gateway never answers.
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.client.Tokens().Request(context.Background(), "film-2", TokenOptions{})
		firstErr <- err
	}()
	h.conn().waitForSent(t, protocol.TypeTokenRequest, 1)

	_, err := h.client.Tokens().Request(context.Background(), "film-2", TokenOptions{})
	if !errors.Is(err, ErrRequestInProgress) {
		t.Fatalf("expected ErrRequestInProgress, got %v", err)
	}
	if reqs := h.conn().sentEnvelopes(t, protocol.TypeTokenRequest); len(reqs) != 1 {
		t.Errorf("expected exactly 1 wire request, got %d", len(reqs))
	}

	// Unblock the first caller.
	h.client.Close()
	<-firstErr
}

func TestTokenRequest_BusinessErrorCarriesCode(t *testing.T) {
	h := connectedHarness(t)
	h.rejectToken(t, protocol.CodePaymentRequired, "plan required for this content")

	_, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
	te, ok := AsTokenError(err)
	if !ok {
		t.Fatalf("expected TokenError, got %v", err)
	}
	if !te.IsBusiness() {
		t.Errorf("expected business category, got %s", te.Category)
	}
	if te.Code != protocol.CodePaymentRequired {
		t.Errorf("expected code %q, got %q", protocol.CodePaymentRequired, te.Code)
	}

	// A refusal is not cached.
	if _, ok := h.client.Tokens().Cached("film-1"); ok {
		t.Error("refused request must not populate the cache")
	}
}

func TestTokenRequest_Timeout(t *testing.T) {
	h := connectedHarness(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
		errCh <- err
	}()
	h.conn().waitForSent(t, protocol.TypeTokenRequest, 1)

	h.clock.Advance(11 * time.Second)

	select {
	case err := <-errCh:
		te, ok := AsTokenError(err)
		if !ok {
			t.Fatalf("expected TokenError, got %v", err)
		}
		if te.Category != CategoryTransport || te.Code != "timeout" {
			t.Errorf("expected transport/timeout, got %s/%s", te.Category, te.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}

	// The key is free again after the timeout.
	h.respondToken(t, "tok-late")
	if _, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{}); err != nil {
		t.Errorf("retry after timeout: %v", err)
	}
}

func TestTokenClear_ForcesNewRoundTrip(t *testing.T) {
	h := connectedHarness(t)
	h.respondToken(t, "tok-1")
	if _, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	h.client.Tokens().Clear("film-1")

	h.respondToken(t, "tok-2")
	tok, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if tok.Value != "tok-2" {
		t.Errorf("expected fresh token tok-2, got %q", tok.Value)
	}
	if reqs := h.conn().sentEnvelopes(t, protocol.TypeTokenRequest); len(reqs) != 2 {
		t.Errorf("expected 2 wire requests, got %d", len(reqs))
	}
}

func TestTokenRequest_WithoutConnection(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.client.Tokens().Request(context.Background(), "film-1", TokenOptions{})
	te, ok := AsTokenError(err)
	if !ok {
		t.Fatalf("expected TokenError, got %v", err)
	}
	if te.Category != CategoryTransport || te.Code != "disconnected" {
		t.Errorf("expected transport/disconnected, got %s/%s", te.Category, te.Code)
	}
}
