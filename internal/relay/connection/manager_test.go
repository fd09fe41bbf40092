package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"e2e_relay/internal/protocol/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSocket struct {
	readErr  error
	writeErr error

	closes atomic.Int32
	once   sync.Once
	closed chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{closed: make(chan struct{})}
}

func (s *fakeSocket) Read([]byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}

func socketDialer(sock io.ReadWriteCloser) Dialer {
	return DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return sock, nil
	})
}

// drain collects events until the channel is closed.
func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("events not closed, got %v", out)
		}
	}
}

func frameBytes(t *testing.T, id string, content string) []byte {
	t.Helper()
	h, err := wire.NewHeader(len(content), "", "bob:1", "alice", id, 0, 1, wire.ClientSendMessage)
	require.NoError(t, err)
	b, err := wire.Message{Header: h, Content: []byte(content)}.Encode()
	require.NoError(t, err)
	return b
}

func TestReadErrorTearsDownOnce(t *testing.T) {
	sock := newFakeSocket()
	sock.readErr = errors.New("read exploded")

	m := NewManager(socketDialer(sock))
	require.NoError(t, m.Connect(context.Background()))

	events := drain(t, m.Events())
	require.Len(t, events, 2)
	assert.Equal(t, Established{}, events[0])
	lost, ok := events[1].(Lost)
	require.True(t, ok)
	assert.EqualError(t, lost.Err, "read exploded")
	assert.False(t, lost.Requested)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestWriteErrorTearsDown(t *testing.T) {
	sock := newFakeSocket()
	sock.writeErr = errors.New("write exploded")

	m := NewManager(socketDialer(sock))
	require.NoError(t, m.Connect(context.Background()))
	ping, err := wire.NewPing()
	require.NoError(t, err)
	require.NoError(t, m.SendMessage(ping))

	events := drain(t, m.Events())
	lost, ok := events[len(events)-1].(Lost)
	require.True(t, ok)
	assert.EqualError(t, lost.Err, "write exploded")
	assert.Equal(t, int32(1), sock.closes.Load())
	assert.ErrorIs(t, m.SendMessage(ping), ErrNotConnected)
}

func TestReceiveSendAndDisconnect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewManager(socketDialer(client))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Established{}, <-m.Events())

	stream := append(frameBytes(t, "m1", "hello"), frameBytes(t, "m2", "")...)
	go func() {
		// split mid-header to exercise reassembly
		server.Write(stream[:100])
		server.Write(stream[100:])
	}()

	for _, want := range []string{"m1", "m2"} {
		ev := <-m.Events()
		got, ok := ev.(MessageReceived)
		require.True(t, ok, "%T", ev)
		assert.Equal(t, want, got.Message.Header.MessageID)
	}

	ping, err := wire.NewPing()
	require.NoError(t, err)
	require.NoError(t, m.SendMessage(ping))

	buf := make([]byte, wire.HeaderSize)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	h, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.ClientPing, h.Command)

	m.Disconnect()
	events := drain(t, m.Events())
	require.Len(t, events, 1)
	assert.Equal(t, Lost{Requested: true}, events[0])

	_, err = server.Read(buf)
	assert.Error(t, err)
}

func TestDoubleDisconnectLosesOnce(t *testing.T) {
	sock := newFakeSocket()
	m := NewManager(socketDialer(sock))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Established{}, <-m.Events())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Disconnect()
		}()
	}
	wg.Wait()

	events := drain(t, m.Events())
	require.Len(t, events, 1)
	assert.Equal(t, Lost{Requested: true}, events[0])
	assert.Equal(t, int32(1), sock.closes.Load())

	m.Disconnect()
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestRemoteCloseIsEOF(t *testing.T) {
	client, server := net.Pipe()

	m := NewManager(socketDialer(client))
	require.NoError(t, m.Connect(context.Background()))
	server.Close()

	events := drain(t, m.Events())
	require.Len(t, events, 2)
	assert.Equal(t, Lost{}, events[1])
}

func TestFramingErrorDisconnects(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewManager(socketDialer(client))
	require.NoError(t, m.Connect(context.Background()))

	garbage := frameBytes(t, "x", "")
	copy(garbage, "BAD")
	go server.Write(garbage)

	events := drain(t, m.Events())
	lost, ok := events[len(events)-1].(Lost)
	require.True(t, ok)
	assert.ErrorIs(t, lost.Err, wire.ErrInvalidSignature)
}

func TestDialFailure(t *testing.T) {
	dialErr := errors.New("no route")
	m := NewManager(DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, dialErr
	}))

	assert.ErrorIs(t, m.Connect(context.Background()), dialErr)
	assert.Empty(t, drain(t, m.Events()))
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)
}

func TestSendBeforeConnect(t *testing.T) {
	m := NewManager(socketDialer(newFakeSocket()))
	ping, err := wire.NewPing()
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendMessage(ping), ErrNotConnected)
}

func TestDisconnectBeforeConnect(t *testing.T) {
	sock := newFakeSocket()
	m := NewManager(socketDialer(sock))
	m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	events := drain(t, m.Events())
	require.Len(t, events, 2)
	assert.Equal(t, Lost{Requested: true}, events[1])
	assert.Equal(t, int32(1), sock.closes.Load())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errors.New("nil pointer somewhere")))
	assert.True(t, IsNetworkError(timeoutErr{}))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.True(t, IsNetworkError(io.ErrUnexpectedEOF))
	assert.True(t, IsNetworkError(&net.DNSError{Err: "no such host", Name: "relay"}))
}
