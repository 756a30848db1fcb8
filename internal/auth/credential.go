// Package auth supplies the opaque bearer credential used for batch uploads.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSecret = errors.New("jwt secret is empty")

// Provider produces a credential for the sync loop.
type Provider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticToken hands out a preconfigured token.
type StaticToken string

// Credential returns the token as-is.
func (t StaticToken) Credential(context.Context) (string, error) {
	return string(t), nil
}

// DeviceToken mints an HS256 JWT naming this device as the subject. A zero
// TTL mints a token without an expiry, which suits a scheduler that holds one
// credential for its whole run.
type DeviceToken struct {
	Secret   []byte
	DeviceID string
	TTL      time.Duration
	Now      func() time.Time
}

// Credential signs a fresh token.
func (d DeviceToken) Credential(context.Context) (string, error) {
	if len(d.Secret) == 0 {
		return "", ErrNoSecret
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	issued := now()
	claims := jwt.MapClaims{
		"sub": d.DeviceID,
		"iat": issued.Unix(),
	}
	if d.TTL > 0 {
		claims["exp"] = issued.Add(d.TTL).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(d.Secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}
