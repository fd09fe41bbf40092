package relay

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrStaleConnection = errors.New("relay: message was prepared for a previous connection")
	ErrClosed          = errors.New("relay: manager closed")
)

// ClientFactory builds a fresh, unconnected Client for each connection
// attempt.
type ClientFactory func() *Client

// Manager keeps at most one live Client, replaces it on every Connect and
// merges the events of successive clients into one stream. It is online only
// while its client is authenticated; each time it comes online it picks a new
// connection tag so callers can tell which connection a message was prepared
// for.
type Manager struct {
	factory      ClientFactory
	pingInterval time.Duration

	mu     sync.Mutex
	client *Client
	online bool
	tag    uint32
	closed bool

	events chan Event
	wg     sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithPingInterval sends a ping on that interval while online.
func WithPingInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pingInterval = d
	}
}

func NewManager(factory ClientFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		events:  make(chan Event, eventBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

// Status reports whether the manager is online and the current tag.
func (m *Manager) Status() (online bool, tag uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.tag
}

func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.client != nil {
		return ErrAlreadyConnected
	}
	c := m.factory()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	m.client = c
	m.wg.Add(1)
	go m.forward(c)
	return nil
}

func (m *Manager) forward(c *Client) {
	defer m.wg.Done()

	var tick <-chan time.Time
	var ticker *time.Ticker
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopTicker()

	events := c.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.(type) {
			case AuthenticationSuccessful:
				tag := m.goOnline()
				m.events <- ev
				m.events <- StatusChanged{Online: true, Tag: tag}
				if m.pingInterval > 0 && ticker == nil {
					ticker = time.NewTicker(m.pingInterval)
					tick = ticker.C
				}
				continue
			case AuthenticationExpired:
				m.goOffline()
				m.events <- ev
				m.events <- StatusChanged{Online: false}
				continue
			case ConnectionLost, ConnectionFailure:
				stopTicker()
				wasOnline := m.goOffline()
				m.events <- ev
				if wasOnline {
					m.events <- StatusChanged{Online: false}
				}
				continue
			}
			m.events <- ev
		case <-tick:
			if err := c.SendPing(); err != nil {
				log.Debug("relay ping failed", zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()
}

func (m *Manager) goOnline() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = true
	m.tag = rand.Uint32()
	return m.tag
}

func (m *Manager) goOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.online
	m.online = false
	return was
}

func (m *Manager) current(tag uint32, checkTag bool) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil, ErrNotConnected
	}
	if !m.online {
		return nil, ErrNotAuthenticated
	}
	if checkTag && tag != m.tag {
		return nil, ErrStaleConnection
	}
	return m.client, nil
}

// SendMessage sends a bundle encrypted while connection tag was online. A
// bundle prepared for an older connection is refused with
// ErrStaleConnection.
func (m *Manager) SendMessage(tag uint32, to string, bundle model.MessageBundle, messageID string) error {
	c, err := m.current(tag, true)
	if err != nil {
		return err
	}
	return c.SendMessage(to, bundle, messageID)
}

func (m *Manager) SendMessageReceivedAck(messageID string) error {
	c, err := m.current(0, false)
	if err != nil {
		return err
	}
	return c.SendMessageReceivedAck(messageID)
}

func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

// Close disconnects and, once the last client has finished, closes Events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.client
	m.mu.Unlock()

	if c != nil {
		c.Disconnect()
	}
	m.wg.Wait()
	close(m.events)
}

// KeepConnected calls Connect whenever there is no live client, waiting
// every between attempts. It returns when ctx is done or the manager is
// closed.
func (m *Manager) KeepConnected(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		switch err := m.Connect(ctx); {
		case err == nil:
			log.Debug("relay connect started")
		case errors.Is(err, ErrClosed):
			return
		case !errors.Is(err, ErrAlreadyConnected):
			log.Warn("relay connect failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
