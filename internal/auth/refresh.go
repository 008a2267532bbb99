package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultRefreshSkew = 30 * time.Second

// RefreshingProvider caches a JWT and obtains a new one from Refresh when the
// cached token is missing or expires within Skew. Tokens without an exp claim
// are cached until Invalidate is called.
type RefreshingProvider struct {
	Refresh func(ctx context.Context) (string, error)
	Skew    time.Duration
	Clock   clock.Clock

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewRefreshingProvider(refresh func(ctx context.Context) (string, error)) *RefreshingProvider {
	return &RefreshingProvider{Refresh: refresh}
}

func (p *RefreshingProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && !p.expiringLocked() {
		return p.token, nil
	}
	if p.Refresh == nil {
		return "", ErrMissingCredentials
	}

	tok, err := p.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrMissingCredentials
	}
	exp, err := TokenExpiry(tok)
	if err != nil {
		return "", err
	}
	p.token = tok
	p.expiry = exp
	return tok, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (p *RefreshingProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

func (p *RefreshingProvider) expiringLocked() bool {
	if p.expiry.IsZero() {
		return false
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	skew := p.Skew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return !clk.Now().Add(skew).Before(p.expiry)
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The zero time is returned when the token carries no exp claim.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
