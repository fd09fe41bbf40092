package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"e2e_relay/internal/instrument"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	eventQueueSize = 100
	writeQueueSize = 100
)

// Dialer opens the byte stream to the relay.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// Manager owns one relay connection: the socket, its reader and writer
// goroutines, and frame reassembly. A Manager is used for a single connection
// and emits Established, then MessageReceived events, then exactly one Lost
// before closing Events.
type Manager struct {
	dialer Dialer

	queue  chan ioEvent
	writes chan writeJob
	events chan Event
	done   chan struct{}

	started        atomic.Bool
	requested      atomic.Bool
	disconnectOnce sync.Once
	closeOnce      sync.Once
	sock           io.ReadWriteCloser
}

func NewManager(dialer Dialer) *Manager {
	return &Manager{
		dialer: dialer,
		queue:  make(chan ioEvent, eventQueueSize),
		writes: make(chan writeJob, writeQueueSize),
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
	}
}

// Events must be drained until it is closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connect dials the relay and starts the connection. On a dial error nothing
// is started and Events is closed without emitting anything.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	sock, err := m.dialer.Dial(ctx)
	if err != nil {
		logTransportError("relay dial failed", err)
		close(m.done)
		close(m.events)
		return err
	}
	m.sock = sock

	go reader(sock, m.queue, m.done)
	go writer(sock, m.writes, m.queue, m.done)

	log.Info("relay connection established")
	m.events <- Established{}
	go m.run()
	return nil
}

func (m *Manager) run() {
	asm := wire.NewAssembler()
	for ev := range m.queue {
		switch ev := ev.(type) {
		case dataEvent:
			msgs, err := asm.Feed(ev.data)
			for _, msg := range msgs {
				instrument.IncomingMessage(msg.Header.Command.String())
				m.events <- MessageReceived{Message: msg}
			}
			if err != nil {
				log.Error("relay sent an undecodable frame", zap.Error(err))
				m.teardown(err, "framing")
				return
			}
		case eofEvent:
			log.Info("relay closed the connection")
			m.teardown(nil, "eof")
			return
		case readerErrorEvent:
			logTransportError("relay read failed", ev.err)
			m.teardown(ev.err, "read")
			return
		case writerErrorEvent:
			logTransportError("relay write failed", ev.err)
			m.teardown(ev.err, "write")
			return
		case disconnectEvent:
			log.Debug("relay disconnect requested")
			m.teardown(nil, "requested")
			return
		}
	}
}

// teardown is the single exit path of run.
func (m *Manager) teardown(err error, cause string) {
	m.closeSocket()
	select {
	case m.writes <- writeJob{disconnect: true}:
	default:
	}
	close(m.done)

	instrument.ConnectionLost(cause)
	m.events <- Lost{Err: err, Requested: m.requested.Load()}
	close(m.events)
}

func (m *Manager) closeSocket() {
	m.closeOnce.Do(func() {
		if err := m.sock.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug("closing relay socket", zap.Error(err))
		}
	})
}

// SendMessage queues msg for the writer. It never waits for the socket.
func (m *Manager) SendMessage(msg wire.Message) error {
	if !m.started.Load() {
		return ErrNotConnected
	}
	b, err := msg.Encode()
	if err != nil {
		return err
	}

	select {
	case <-m.done:
		return ErrNotConnected
	default:
	}
	select {
	case m.writes <- writeJob{data: b}:
		instrument.OutgoingMessage(msg.Header.Command.String())
		return nil
	case <-m.done:
		return ErrNotConnected
	default:
		return ErrWriteQueueFull
	}
}

// Disconnect closes the connection. It may be called from any goroutine, any
// number of times, before or after Connect.
func (m *Manager) Disconnect() {
	m.disconnectOnce.Do(func() {
		m.requested.Store(true)
		select {
		case m.queue <- disconnectEvent{}:
		case <-m.done:
		}
	})
}

func logTransportError(msg string, err error) {
	if IsNetworkError(err) {
		log.Warn(msg, zap.Error(err))
		return
	}
	log.Error(msg, zap.Error(err))
}
