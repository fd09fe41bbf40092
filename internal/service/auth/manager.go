package auth

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"e2e_relay/internal/instrument"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

// MaxRetries is how many times an operation is re-run after an authorization
// failure.
const MaxRetries = 2

var (
	// ErrUnauthorized is returned (wrapped) by operations whose token was
	// refused.
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrClosed       = errors.New("auth: token manager stopped")
)

type (
	tokenResult struct {
		token string
		err   error
	}

	// Manager hands out the current auth token, parks callers while there is
	// none, and retries operations that fail with ErrUnauthorized after
	// asking the provider for a new token.
	Manager struct {
		provider   Provider
		maxRetries int
		backoff    func(attempt int) time.Duration

		mu       sync.Mutex
		token    string
		hasToken bool
		closed   bool
		waiters  []chan tokenResult
	}

	Option func(*Manager)
)

// WithBackoff sets the wait before retry n (0-based).
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(m *Manager) {
		m.backoff = f
	}
}

func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		m.maxRetries = n
	}
}

// RandomBackoff waits a random time in [0, 2^(n+1)] seconds.
func RandomBackoff(attempt int) time.Duration {
	limit := int64(time.Second) << (attempt + 1)
	return time.Duration(rand.Int64N(limit + 1))
}

func NewManager(provider Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:   provider,
		maxRetries: MaxRetries,
		backoff:    RandomBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run applies provider events until ctx is done or the provider closes its
// event stream. Waiting callers then fail with ErrClosed.
func (m *Manager) Run(ctx context.Context) {
	defer m.close()

	events := m.provider.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) apply(ev TokenEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case TokenExpired:
		log.Debug("auth token expired")
		m.token, m.hasToken = "", false
	case NewToken:
		log.Debug("auth token updated")
		m.token, m.hasToken = ev.Token, true
		m.release(tokenResult{token: ev.Token})
	case TokenError:
		log.Warn("auth token refresh failed", zap.Error(ev.Err))
		m.token, m.hasToken = "", false
		m.release(tokenResult{err: ev.Err})
	}
}

func (m *Manager) release(r tokenResult) {
	for _, w := range m.waiters {
		w <- r
	}
	m.waiters = nil
}

func (m *Manager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.token, m.hasToken = "", false
	m.release(tokenResult{err: ErrClosed})
}

// CurrentToken returns the token if one is held, or "".
func (m *Manager) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Token returns the current token, waiting for the provider if there is none.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.hasToken {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	w := make(chan tokenResult, 1)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case r := <-w:
		return r.token, r.err
	case <-ctx.Done():
		m.mu.Lock()
		for i, other := range m.waiters {
			if other == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return "", ctx.Err()
	}
}

// InvalidateToken drops the current token and asks the provider for a new
// one.
func (m *Manager) InvalidateToken() {
	m.mu.Lock()
	m.token, m.hasToken = "", false
	m.mu.Unlock()
	m.provider.RefreshToken()
}

// invalidate drops token only if it is still the current one, so a refresh
// already done by another caller is not thrown away.
func (m *Manager) invalidate(token string) {
	m.mu.Lock()
	stale := m.hasToken && m.token == token
	if stale {
		m.token, m.hasToken = "", false
	}
	pending := !m.hasToken
	m.mu.Unlock()

	if stale || pending {
		m.provider.RefreshToken()
	}
}

// Do runs fn with the current token. When fn fails with ErrUnauthorized the
// token is invalidated and fn is run again, at most maxRetries more times;
// after that the authorization error is returned as is.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	_, err := Map(ctx, m, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, fn(ctx, token)
	})
	return err
}

func Map[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		token, err := m.Token(ctx)
		if err != nil {
			return zero, err
		}

		v, err := fn(ctx, token)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrUnauthorized) || attempt >= m.maxRetries {
			return zero, err
		}

		log.Info("authorization failed, refreshing token", zap.Int("attempt", attempt+1), zap.Error(err))
		instrument.AuthRetry()
		m.invalidate(token)

		if d := m.backoff(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			}
		}
	}
}
