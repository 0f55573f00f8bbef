// Package protocol defines the wire messages exchanged between the
// streaming session client and the session gateway over the persistent
// connection. Every message is a JSON envelope carrying a type tag, an
// optional correlation id, and a type-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeTokenRequest   = "token:request"
	TypeTokenResponse  = "token:response"
	TypeWatchStart     = "watch:start"
	TypeWatchDuration  = "watch:duration"
	TypeWatchEnd       = "watch:end"
	TypeSessionRevoked = "session:revoked"
	TypeLimitExceeded  = "limit:exceeded"
)

// Business error codes carried in token responses. Transport failures
// (timeouts, disconnects) never appear on the wire; they are produced
// locally by whichever side observed them.
const (
	CodeUnauthorized         = "unauthorized"
	CodePaymentRequired      = "payment-required"
	CodePreconditionRequired = "precondition-required"
	CodeForbidden            = "forbidden"
	CodeNotFound             = "not-found"
)

type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OK            bool            `json:"ok,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type TokenRequest struct {
	Slug            string `json:"slug"`
	ShareSessionID  string `json:"shareSessionId,omitempty"`
	ViewerSessionID string `json:"viewerSessionId,omitempty"`
	SharePassword   string `json:"sharePassword,omitempty"`
}

type TokenGrant struct {
	Slug     string    `json:"slug"`
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issuedAt"`
}

type WatchMetadata struct {
	DeviceType string `json:"deviceType,omitempty"`
	Country    string `json:"country,omitempty"`
	Source     string `json:"source,omitempty"`
}

type WatchStart struct {
	Slug            string        `json:"slug"`
	ViewerSessionID string        `json:"viewerSessionId,omitempty"`
	Metadata        WatchMetadata `json:"metadata"`
}

type WatchDuration struct {
	Slug         string `json:"slug"`
	DeltaSeconds int64  `json:"deltaSeconds"`
}

type WatchEnd struct {
	Slug string `json:"slug"`
}

// SlugEvent is the payload of unsolicited server pushes
// (session:revoked, limit:exceeded).
type SlugEvent struct {
	Slug   string `json:"slug"`
	Reason string `json:"reason,omitempty"`
}

// Encode builds an envelope with the given payload marshalled in place.
func Encode(msgType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, CorrelationID: correlationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
