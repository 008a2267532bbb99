// Package auth supplies bearer tokens to the hub client and verifies them on
// the hub server.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TokenProvider returns the bearer token to present on a hub connection
// attempt. It is called once per attempt, so implementations may rotate
// credentials between reconnects.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrMissingCredentials
	}
	return tok, nil
}

// Func adapts a function to TokenProvider.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
