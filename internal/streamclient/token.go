package streamclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/streampass/streampass/internal/protocol"
)

// PlaybackToken is the short-lived credential the player needs before
// it may start streaming. The server enforces the TTL; the client only
// caches the value until it is explicitly cleared or replaced.
type PlaybackToken struct {
	Slug     string
	Value    string
	IssuedAt time.Time
}

// TokenOptions carries the optional identifiers a token request may
// attach: a one-time share-session id and a viewer session id.
type TokenOptions struct {
	ShareSessionID  string
	ViewerSessionID string
	SharePassword   string
}

// TokenBroker obtains and caches playback tokens, one per slug. The
// correlator underneath guarantees a single wire request per slug no
// matter how many callers race.
type TokenBroker struct {
	client *Client

	mu    sync.Mutex
	cache map[string]PlaybackToken
}

func newTokenBroker(c *Client) *TokenBroker {
	return &TokenBroker{client: c, cache: make(map[string]PlaybackToken)}
}

// Request returns the cached token for slug if one is held, otherwise
// performs a correlated token:request round trip. Business refusals and
// transport failures both surface as *TokenError with the category set.
func (b *TokenBroker) Request(ctx context.Context, slug string, opts TokenOptions) (PlaybackToken, error) {
	b.mu.Lock()
	if tok, ok := b.cache[slug]; ok {
		b.mu.Unlock()
		return tok, nil
	}
	b.mu.Unlock()

	env, err := b.client.corr.roundTrip(ctx, "token:"+slug, protocol.TypeTokenRequest, protocol.TokenRequest{
		Slug:            slug,
		ShareSessionID:  opts.ShareSessionID,
		ViewerSessionID: opts.ViewerSessionID,
		SharePassword:   opts.SharePassword,
	}, b.client.cfg.RequestTimeout)
	if err != nil {
		return PlaybackToken{}, classifyTokenError(err)
	}

	var grant protocol.TokenGrant
	if err := env.Decode(&grant); err != nil {
		return PlaybackToken{}, &TokenError{
			Category: CategoryTransport,
			Code:     "bad-response",
			Message:  err.Error(),
			cause:    err,
		}
	}
	tok := PlaybackToken{Slug: slug, Value: grant.Token, IssuedAt: grant.IssuedAt}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = b.client.cfg.Clock.Now()
	}

	b.mu.Lock()
	b.cache[slug] = tok
	b.mu.Unlock()
	return tok, nil
}

// Clear invalidates the cached token for slug. Called on
// session-revoked and limit-exceeded events; the next Request performs
// a fresh round trip.
func (b *TokenBroker) Clear(slug string) {
	b.mu.Lock()
	delete(b.cache, slug)
	b.mu.Unlock()
}

// Cached returns the cached token for slug without a round trip.
func (b *TokenBroker) Cached(slug string) (PlaybackToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, ok := b.cache[slug]
	return tok, ok
}

func classifyTokenError(err error) error {
	// Local invariant violations pass through untouched so callers can
	// distinguish "wait for the in-flight request" from real failures.
	if errors.Is(err, ErrRequestInProgress) {
		return err
	}
	var werr *protocol.WireError
	if errors.As(err, &werr) {
		return &TokenError{Category: CategoryBusiness, Code: werr.Code, Message: werr.Message, cause: err}
	}
	code := "transport"
	switch {
	case errors.Is(err, ErrRequestTimeout):
		code = "timeout"
	case errors.Is(err, ErrDisconnected):
		code = "disconnected"
	case errors.Is(err, ErrClientClosed):
		code = "closed"
	}
	return &TokenError{Category: CategoryTransport, Code: code, Message: err.Error(), cause: err}
}
