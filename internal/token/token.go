package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlaybackTokenDuration is deliberately short: tokens gate a single
// playback activation and are re-issued over the session connection.
const PlaybackTokenDuration = 15 * time.Minute

type Claims struct {
	Slug            string `json:"slug"`
	ViewerSessionID string `json:"viewerSessionId"`
	jwt.RegisteredClaims
}

func GeneratePlaybackToken(secret, slug, viewerSessionID string) (string, error) {
	claims := &Claims{
		Slug:            slug,
		ViewerSessionID: viewerSessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(PlaybackTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidatePlaybackToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Slug == "" {
		return nil, fmt.Errorf("token missing slug claim")
	}
	return claims, nil
}
