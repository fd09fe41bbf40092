package auth

import (
	"context"
)

type (
	// TokenEvent is published by a Provider.
	TokenEvent interface {
		tokenEvent()
	}

	// TokenExpired drops the current token; callers wait for the next one.
	TokenExpired struct{}

	NewToken struct {
		Token string
	}

	// TokenError fails every caller waiting for a token.
	TokenError struct {
		Err error
	}

	Provider interface {
		Events() <-chan TokenEvent
		// RefreshToken asks the provider to obtain a new token. The result
		// arrives as an event.
		RefreshToken()
	}
)

func (TokenExpired) tokenEvent() {}
func (NewToken) tokenEvent()     {}
func (TokenError) tokenEvent()   {}

// FuncProvider obtains tokens by calling fetch: once when Run starts and again
// on every refresh request.
type FuncProvider struct {
	fetch    func(ctx context.Context) (string, error)
	requests chan struct{}
	events   chan TokenEvent
}

func NewFuncProvider(fetch func(ctx context.Context) (string, error)) *FuncProvider {
	return &FuncProvider{
		fetch:    fetch,
		requests: make(chan struct{}, 1),
		events:   make(chan TokenEvent, 1),
	}
}

func (p *FuncProvider) Events() <-chan TokenEvent {
	return p.events
}

func (p *FuncProvider) RefreshToken() {
	select {
	case p.requests <- struct{}{}:
	default:
	}
}

// Run serves refresh requests until ctx is done, then closes Events.
func (p *FuncProvider) Run(ctx context.Context) {
	defer close(p.events)

	publish := func(ev TokenEvent) bool {
		select {
		case p.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fetch := func() bool {
		token, err := p.fetch(ctx)
		if err != nil {
			return publish(TokenError{Err: err})
		}
		return publish(NewToken{Token: token})
	}

	if !fetch() {
		return
	}
	for {
		select {
		case <-p.requests:
			if !publish(TokenExpired{}) || !fetch() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
