package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/relay/connection"

	"github.com/stretchr/testify/require"
)

// fakeConn stands in for a connection.Manager. Tests push transport events
// with emit and read what the client wrote from sent.
type fakeConn struct {
	connectErr error

	events      chan connection.Event
	sent        chan wire.Message
	disconnects atomic.Int32
	once        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan connection.Event, 100),
		sent:   make(chan wire.Message, 100),
	}
}

func (f *fakeConn) Connect(context.Context) error {
	if f.connectErr != nil {
		close(f.events)
	}
	return f.connectErr
}

func (f *fakeConn) Events() <-chan connection.Event {
	return f.events
}

func (f *fakeConn) SendMessage(msg wire.Message) error {
	f.sent <- msg
	return nil
}

func (f *fakeConn) Disconnect() {
	f.disconnects.Add(1)
	f.lose(connection.Lost{Requested: true})
}

func (f *fakeConn) lose(ev connection.Lost) {
	f.once.Do(func() {
		f.events <- ev
		close(f.events)
	})
}

func (f *fakeConn) emit(ev connection.Event) {
	f.events <- ev
}

func (f *fakeConn) emitMessage(t *testing.T, cmd wire.CommandCode, from, to, id string, content []byte) {
	t.Helper()
	h, err := wire.NewHeader(len(content), "", from, to, id, 0, 1, cmd)
	require.NoError(t, err)
	f.emit(connection.MessageReceived{Message: wire.Message{Header: h, Content: content}})
}

func nextSent(t *testing.T, f *fakeConn) wire.Message {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("nothing sent")
	}
	return wire.Message{}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return nil
}

func requireClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.False(t, ok, "unexpected event %T", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed")
	}
}

// fakeTokens hands out tokens in order; every invalidation moves to the
// next one.
type fakeTokens struct {
	err error

	mu          sync.Mutex
	tokens      []string
	invalidated int
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.tokens[min(f.invalidated, len(f.tokens)-1)], nil
}

func (f *fakeTokens) InvalidateToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeTokens) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

var aliceCreds = wire.Credentials{
	Address:   model.Address{UserID: "alice", DeviceID: 1},
	AuthToken: "alice-token",
}
