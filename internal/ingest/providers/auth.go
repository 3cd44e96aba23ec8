package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTokenTTL is how long a login token is reused before logging in again.
const DefaultTokenTTL = 24 * time.Hour

// loginFunc performs a provider login and returns the bearer token.
type loginFunc func(ctx context.Context) (string, error)

// tokenSource caches a bearer token until it expires or is invalidated.
type tokenSource struct {
	mu      sync.Mutex
	login   loginFunc
	ttl     time.Duration
	token   string
	expires time.Time
	now     func() time.Time
}

func newTokenSource(ttl time.Duration, login loginFunc) *tokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &tokenSource{login: login, ttl: ttl, now: time.Now}
}

// Token returns the cached token, logging in when none is valid.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expires) {
		return t.token, nil
	}
	tok, err := t.login(ctx)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("login: %w: empty token", ErrMalformedPayload)
	}
	t.token = tok
	t.expires = t.now().Add(t.ttl)
	return tok, nil
}

// Invalidate forces the next Token call to log in again.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expires = time.Time{}
	t.mu.Unlock()
}

// withToken runs call with a valid token. When call fails with an error that
// renew accepts, the token is invalidated and call runs exactly once more.
func withToken(ctx context.Context, ts *tokenSource, renew func(error) bool, call func(token string) error) error {
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	err = call(tok)
	if err == nil || !renew(err) {
		return err
	}

	ts.Invalidate()
	tok, err = ts.Token(ctx)
	if err != nil {
		return err
	}
	return call(tok)
}

func isUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
