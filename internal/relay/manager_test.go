package relay

import (
	"context"
	"testing"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/relay/connection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(opts ...ManagerOption) (*Manager, chan *fakeConn) {
	conns := make(chan *fakeConn, 10)
	m := NewManager(func() *Client {
		conn := newFakeConn()
		conns <- conn
		return NewClient(conn, aliceCreds)
	}, opts...)
	return m, conns
}

func goOnline(t *testing.T, m *Manager, conns chan *fakeConn) (*fakeConn, uint32) {
	t.Helper()
	require.NoError(t, m.Connect(context.Background()))
	conn := <-conns
	conn.emit(connection.Established{})
	assert.Equal(t, ConnectionEstablished{}, nextEvent(t, m.Events()))
	nextSent(t, conn)
	conn.emitMessage(t, wire.ServerRegisterSuccessful, "", "", "", nil)
	assert.Equal(t, AuthenticationSuccessful{}, nextEvent(t, m.Events()))

	status, ok := nextEvent(t, m.Events()).(StatusChanged)
	require.True(t, ok)
	require.True(t, status.Online)
	return conn, status.Tag
}

func TestManagerConnectionTags(t *testing.T) {
	m, conns := newTestManager()

	assert.ErrorIs(t, m.SendMessage(0, "bob", model.MessageBundle{}, "m"), ErrNotConnected)

	conn, tag := goOnline(t, m, conns)
	online, current := m.Status()
	assert.True(t, online)
	assert.Equal(t, tag, current)

	assert.ErrorIs(t, m.SendMessage(tag+1, "bob", model.MessageBundle{}, "m"), ErrStaleConnection)
	require.NoError(t, m.SendMessage(tag, "bob", model.MessageBundle{}, "m"))
	assert.Equal(t, "m", nextSent(t, conn).Header.MessageID)

	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)

	conn.lose(connection.Lost{})
	assert.Equal(t, ConnectionLost{}, nextEvent(t, m.Events()))
	assert.Equal(t, StatusChanged{Online: false}, nextEvent(t, m.Events()))

	// the old client is gone; connecting again builds a new one
	require.Eventually(t, func() bool {
		return m.Connect(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)
	conn2 := <-conns
	assert.NotSame(t, conn, conn2)

	m.Close()
	for range m.Events() {
	}
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
}

func TestManagerPing(t *testing.T) {
	m, conns := newTestManager(WithPingInterval(10 * time.Millisecond))
	conn, _ := goOnline(t, m, conns)

	assert.Equal(t, wire.ClientPing, nextSent(t, conn).Header.Command)

	m.Close()
	for range m.Events() {
	}
}

func TestManagerExpiryGoesOffline(t *testing.T) {
	m, conns := newTestManager()
	conn, tag := goOnline(t, m, conns)

	conn.emitMessage(t, wire.ServerRegisterRequest, "", "", "", nil)
	assert.Equal(t, AuthenticationExpired{}, nextEvent(t, m.Events()))
	assert.Equal(t, StatusChanged{Online: false}, nextEvent(t, m.Events()))
	assert.ErrorIs(t, m.SendMessage(tag, "bob", model.MessageBundle{}, "m"), ErrNotAuthenticated)

	nextSent(t, conn)
	conn.emitMessage(t, wire.ServerRegisterSuccessful, "", "", "", nil)
	assert.Equal(t, AuthenticationSuccessful{}, nextEvent(t, m.Events()))
	status := nextEvent(t, m.Events()).(StatusChanged)
	assert.True(t, status.Online)

	m.Close()
	for range m.Events() {
	}
}

func TestManagerKeepConnected(t *testing.T) {
	m, conns := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.KeepConnected(ctx, 10*time.Millisecond)
	}()

	conn := <-conns
	conn.emit(connection.Established{})
	assert.Equal(t, ConnectionEstablished{}, nextEvent(t, m.Events()))

	conn.lose(connection.Lost{})
	assert.Equal(t, ConnectionLost{}, nextEvent(t, m.Events()))

	select {
	case conn2 := <-conns:
		assert.NotSame(t, conn, conn2)
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}

	cancel()
	<-done
	m.Close()
	for range m.Events() {
	}
}
