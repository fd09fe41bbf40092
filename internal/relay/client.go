package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/relay/connection"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	eventBufferSize = 100
	// tokenTimeout bounds the wait for a token before authenticating.
	tokenTimeout = 30 * time.Second
)

var (
	ErrNotConnected     = errors.New("relay: not connected")
	ErrNotAuthenticated = errors.New("relay: not authenticated")
	ErrAlreadyConnected = errors.New("relay: connect already called")
)

// Connection is the transport a Client drives; *connection.Manager
// implements it.
type Connection interface {
	Connect(ctx context.Context) error
	Events() <-chan connection.Event
	SendMessage(msg wire.Message) error
	Disconnect()
}

type (
	// TokenSource hands out the relay auth token; *auth.Manager implements
	// it. Token may wait until a refreshed token is available.
	TokenSource interface {
		Token(ctx context.Context) (string, error)
		InvalidateToken()
	}

	// Client speaks the relay protocol over one connection. It is single
	// use: after ConnectionLost or ConnectionFailure a new Client is needed.
	//
	// State is only changed by the goroutine started in Connect; State()
	// returns a snapshot that may be stale by the time it is used.
	Client struct {
		conn   Connection
		creds  wire.Credentials
		tokens TokenSource

		// token is the one the last auth request carried.
		token   atomic.Pointer[string]
		state   atomic.Int32
		started atomic.Bool
		events  chan Event
	}

	Option func(*Client)
)

// WithTokenSource makes the client ask src for the auth token each time it
// authenticates, and invalidate it when the relay rejects or expires it. An
// empty token falls back to the one in the credentials.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) {
		c.tokens = src
	}
}

func NewClient(conn Connection, creds wire.Credentials, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		creds:  creds,
		events: make(chan Event, eventBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events is closed after ConnectionLost or ConnectionFailure. It must be
// drained.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug("relay state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	c.setState(Connecting)
	go c.run(ctx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.events)

	if err := c.conn.Connect(ctx); err != nil {
		c.setState(Disconnected)
		c.events <- ConnectionFailure{Err: err}
		return
	}

	for ev := range c.conn.Events() {
		switch ev := ev.(type) {
		case connection.Established:
			c.setState(Connected)
			c.events <- ConnectionEstablished{}
			c.authenticate(ctx)
		case connection.MessageReceived:
			c.handleMessage(ctx, ev.Message)
		case connection.Lost:
			c.setState(Disconnected)
			c.events <- ConnectionLost{Err: ev.Err, Requested: ev.Requested}
		}
	}
}

func (c *Client) credentials() wire.Credentials {
	creds := c.creds
	if token := c.token.Load(); token != nil {
		creds.AuthToken = *token
	}
	return creds
}

// freshCredentials asks the token source for the token to authenticate with.
func (c *Client) freshCredentials(ctx context.Context) (wire.Credentials, error) {
	creds := c.creds
	if c.tokens != nil {
		ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
		defer cancel()
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return creds, err
		}
		if token != "" {
			creds.AuthToken = token
		}
	}
	c.token.Store(&creds.AuthToken)
	return creds, nil
}

func (c *Client) invalidateToken() {
	if c.tokens != nil {
		c.tokens.InvalidateToken()
	}
}

func (c *Client) authenticate(ctx context.Context) {
	c.setState(Authenticating)
	creds, err := c.freshCredentials(ctx)
	if err != nil {
		log.Warn("no auth token for relay", zap.Error(err))
		c.conn.Disconnect()
		return
	}
	msg, err := wire.NewAuthRequest(creds)
	if err != nil {
		log.Error("building auth request failed", zap.Error(err))
		c.conn.Disconnect()
		return
	}
	if err := c.conn.SendMessage(msg); err != nil {
		log.Warn("sending auth request failed", zap.Error(err))
		c.conn.Disconnect()
	}
}

func (c *Client) handleMessage(ctx context.Context, msg wire.Message) {
	h := msg.Header
	switch h.Command {
	case wire.ServerRegisterSuccessful:
		c.setState(Authenticated)
		c.events <- AuthenticationSuccessful{}

	case wire.ServerRegisterRequest:
		switch c.State() {
		case Authenticating:
			log.Warn("relay rejected authentication")
			c.invalidateToken()
			c.events <- AuthenticationFailure{}
			c.conn.Disconnect()
		case Authenticated:
			log.Info("relay authentication expired, re-authenticating")
			c.invalidateToken()
			c.events <- AuthenticationExpired{}
			c.authenticate(ctx)
		default:
			log.Warn("unexpected register request", zap.Stringer("state", c.State()))
		}

	case wire.ServerIDValid:
		log.Debug("relay confirmed registration")

	case wire.ServerMessageReceived:
		c.events <- ServerReceivedMessage{To: h.To, MessageID: h.MessageID}

	case wire.ServerMessageSent:
		c.events <- MessageSentToUser{To: h.To, MessageID: h.MessageID}

	case wire.ServerUserOffline:
		c.events <- UserOffline{To: h.To, MessageID: h.MessageID}

	case wire.ClientSendMessage:
		from, err := model.ParseAddress(h.From)
		if err != nil {
			log.Warn("dropping message with invalid sender", zap.String("from", h.From), zap.Error(err))
			return
		}
		bundle, err := wire.ReadMessageBundle(msg.Content)
		if err != nil {
			log.Warn("dropping undecodable message", zap.String("messageID", h.MessageID), zap.Error(err))
			return
		}
		c.events <- ReceivedMessage{From: from, MessageID: h.MessageID, Bundle: bundle}

	case wire.ServerDeviceMismatch:
		info, err := wire.ReadDeviceMismatch(msg.Content)
		if err != nil {
			log.Warn("dropping undecodable device mismatch", zap.String("messageID", h.MessageID), zap.Error(err))
			return
		}
		c.events <- DeviceMismatch{To: h.To, MessageID: h.MessageID, Info: info}

	case wire.ServerPong:
		c.events <- Pong{}

	default:
		log.Warn("unhandled relay command", zap.Stringer("command", h.Command))
	}
}

// guard returns the error for a call that needs at least Connected, or
// Authenticated when auth is set.
func (c *Client) guard(auth bool) error {
	switch s := c.State(); {
	case s == Disconnected || s == Connecting:
		return ErrNotConnected
	case auth && s != Authenticated:
		return ErrNotAuthenticated
	}
	return nil
}

func (c *Client) send(msg wire.Message, err error) error {
	if err != nil {
		return err
	}
	if err := c.conn.SendMessage(msg); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// SendMessage queues an encrypted bundle for user to. It fails with
// ErrNotAuthenticated while the client is (re)authenticating.
func (c *Client) SendMessage(to string, bundle model.MessageBundle, messageID string) error {
	if err := c.guard(true); err != nil {
		return err
	}
	return c.send(wire.NewSendMessage(c.credentials(), to, bundle, messageID))
}

func (c *Client) SendMessageReceivedAck(messageID string) error {
	if err := c.guard(true); err != nil {
		return err
	}
	return c.send(wire.NewMessageReceivedAck(c.credentials(), messageID))
}

func (c *Client) SendPing() error {
	if err := c.guard(false); err != nil {
		return err
	}
	return c.send(wire.NewPing())
}

func (c *Client) Disconnect() {
	if !c.started.Load() {
		log.Warn("disconnect called on a relay client that never connected")
		return
	}
	c.conn.Disconnect()
}
