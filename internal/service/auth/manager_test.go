package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider answers each refresh request with "token-N".
type fakeProvider struct {
	events    chan TokenEvent
	refreshes atomic.Int32
	autoIssue bool
}

func newFakeProvider(autoIssue bool) *fakeProvider {
	return &fakeProvider{events: make(chan TokenEvent, 16), autoIssue: autoIssue}
}

func (p *fakeProvider) Events() <-chan TokenEvent {
	return p.events
}

func (p *fakeProvider) RefreshToken() {
	n := p.refreshes.Add(1)
	if p.autoIssue {
		p.events <- TokenExpired{}
		p.events <- NewToken{Token: fmt.Sprintf("token-%d", n+1)}
	}
}

func noBackoff(int) time.Duration { return 0 }

func startManager(t *testing.T, p Provider, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(p, append([]Option{WithBackoff(noBackoff)}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return m
}

func TestTokenWaitsForProvider(t *testing.T) {
	p := newFakeProvider(false)
	m := startManager(t, p)

	got := make(chan string, 1)
	go func() {
		token, err := m.Token(context.Background())
		assert.NoError(t, err)
		got <- token
	}()

	select {
	case <-got:
		t.Fatal("token returned before one was issued")
	case <-time.After(50 * time.Millisecond):
	}

	p.events <- NewToken{Token: "token-1"}
	assert.Equal(t, "token-1", <-got)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, "token-1", m.CurrentToken())
}

func TestTokenErrorFailsWaiters(t *testing.T) {
	p := newFakeProvider(false)
	m := startManager(t, p)

	cause := errors.New("login refused")
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Token(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.waiters) == 2
	}, time.Second, time.Millisecond)

	p.events <- TokenError{Err: cause}
	assert.ErrorIs(t, <-errs, cause)
	assert.ErrorIs(t, <-errs, cause)
	assert.Empty(t, m.CurrentToken())
}

func TestExpiredTokenIsNotHandedOut(t *testing.T) {
	p := newFakeProvider(false)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}
	require.Eventually(t, func() bool { return m.CurrentToken() == "token-1" }, time.Second, time.Millisecond)

	p.events <- TokenExpired{}
	require.Eventually(t, func() bool { return m.CurrentToken() == "" }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Token(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidateTokenClearsFirst(t *testing.T) {
	p := newFakeProvider(false)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}
	require.Eventually(t, func() bool { return m.CurrentToken() == "token-1" }, time.Second, time.Millisecond)

	m.InvalidateToken()
	assert.Empty(t, m.CurrentToken())
	assert.Equal(t, int32(1), p.refreshes.Load())
}

func TestDoRetriesAfterUnauthorized(t *testing.T) {
	p := newFakeProvider(true)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}

	var seen []string
	err := m.Do(context.Background(), func(_ context.Context, token string) error {
		seen = append(seen, token)
		if len(seen) < 3 {
			return fmt.Errorf("fetch bundles: %w", ErrUnauthorized)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"token-1", "token-2", "token-3"}, seen)
	assert.Equal(t, int32(2), p.refreshes.Load())
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	p := newFakeProvider(true)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}

	var calls int
	var last error
	err := m.Do(context.Background(), func(context.Context, string) error {
		calls++
		last = fmt.Errorf("attempt %d: %w", calls, ErrUnauthorized)
		return last
	})
	assert.Equal(t, MaxRetries+1, calls)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Same(t, last, err)
}

func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	p := newFakeProvider(true)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}

	boom := errors.New("server on fire")
	calls := 0
	err := m.Do(context.Background(), func(context.Context, string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Zero(t, p.refreshes.Load())
}

func TestMap(t *testing.T) {
	p := newFakeProvider(true)
	m := startManager(t, p)
	p.events <- NewToken{Token: "token-1"}

	n, err := Map(context.Background(), m, func(_ context.Context, token string) (int, error) {
		return len(token), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRunExitFailsWaiters(t *testing.T) {
	p := newFakeProvider(false)
	m := NewManager(p)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := m.Token(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.ErrorIs(t, <-errs, ErrClosed)

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRandomBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 3; attempt++ {
		limit := time.Second << (attempt + 1)
		for i := 0; i < 100; i++ {
			d := RandomBackoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, limit)
		}
	}
}

func TestFuncProvider(t *testing.T) {
	var n atomic.Int32
	p := NewFuncProvider(func(context.Context) (string, error) {
		return fmt.Sprintf("token-%d", n.Add(1)), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Equal(t, NewToken{Token: "token-1"}, <-p.Events())
	p.RefreshToken()
	assert.Equal(t, TokenExpired{}, <-p.Events())
	assert.Equal(t, NewToken{Token: "token-2"}, <-p.Events())

	cancel()
	<-done
	_, ok := <-p.Events()
	assert.False(t, ok)
}
