package messenger

import (
	"context"
	"errors"
	"strings"

	"e2e_relay/internal/model"
	"e2e_relay/internal/relay"
	"e2e_relay/internal/service/cipher"
	"e2e_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUserInactive = errors.New("messenger: recipient has no active devices")
	ErrStopped      = errors.New("messenger: stopped")
)

type (
	// Relay is the part of relay.Manager the messenger drives.
	Relay interface {
		Events() <-chan relay.Event
		SendMessage(tag uint32, to string, bundle model.MessageBundle, messageID string) error
		SendMessageReceivedAck(messageID string) error
	}

	// Cipher is the part of cipher.Service the messenger drives.
	Cipher interface {
		Encrypt(ctx context.Context, userID string, plaintext []byte, tag cipher.Tag) error
		Decrypt(ctx context.Context, from model.Address, msg model.EncryptedMessage) error
		UpdateDevices(ctx context.Context, userID string, mismatch model.DeviceMismatch) error
		SubscribeEncryption() (<-chan cipher.EncryptionResult, func())
		SubscribeDecryption() (<-chan cipher.DecryptionResult, func())
		SubscribeDeviceUpdates() (<-chan cipher.DeviceUpdateResult, func())
	}

	Event interface {
		messengerEvent()
	}

	MessageSent struct {
		To        string
		MessageID string
	}

	MessageFailed struct {
		To        string
		MessageID string
		Err       error
	}

	MessageReceived struct {
		From      model.Address
		MessageID string
		Text      []byte
	}

	OnlineChanged struct {
		Online bool
	}

	outgoing struct {
		to   string
		id   string
		text []byte
	}
)

func (MessageSent) messengerEvent()     {}
func (MessageFailed) messengerEvent()   {}
func (MessageReceived) messengerEvent() {}
func (OnlineChanged) messengerEvent()   {}

// Messenger sends chat messages one at a time: encrypt for the recipient's
// devices, hand the bundle to the relay, and wait for the relay to accept it
// before the next one. Incoming bundles are decrypted and acknowledged.
type Messenger struct {
	self   model.Address
	relay  Relay
	cipher Cipher

	requests chan outgoing
	events   chan Event
	done     chan struct{}

	encryption   <-chan cipher.EncryptionResult
	decryption   <-chan cipher.DecryptionResult
	deviceUpdate <-chan cipher.DeviceUpdateResult
	unsubscribe  []func()

	// Owned by Run.
	online   bool
	tag      uint32
	queue    []*outgoing
	current  *outgoing
	updating bool
}

func New(self model.Address, r Relay, c Cipher) *Messenger {
	m := &Messenger{
		self:     self,
		relay:    r,
		cipher:   c,
		requests: make(chan outgoing),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	var cancel func()
	m.encryption, cancel = c.SubscribeEncryption()
	m.unsubscribe = append(m.unsubscribe, cancel)
	m.decryption, cancel = c.SubscribeDecryption()
	m.unsubscribe = append(m.unsubscribe, cancel)
	m.deviceUpdate, cancel = c.SubscribeDeviceUpdates()
	m.unsubscribe = append(m.unsubscribe, cancel)
	return m
}

// Events is closed when Run returns.
func (m *Messenger) Events() <-chan Event {
	return m.events
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Send queues text for userID and returns the message id. Messages queued
// while offline go out once the relay is online again.
func (m *Messenger) Send(ctx context.Context, to string, text []byte) (string, error) {
	o := outgoing{to: to, id: newMessageID(), text: text}
	select {
	case m.requests <- o:
		return o.id, nil
	case <-m.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run processes relay and cipher events until ctx is done or the relay
// event stream ends.
func (m *Messenger) Run(ctx context.Context) {
	defer func() {
		close(m.done)
		for _, cancel := range m.unsubscribe {
			cancel()
		}
		close(m.events)
	}()

	relayEvents := m.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-m.requests:
			m.queue = append(m.queue, &o)
			m.processQueue(ctx)
		case ev, ok := <-relayEvents:
			if !ok {
				return
			}
			m.onRelayEvent(ctx, ev)
		case res, ok := <-m.encryption:
			if !ok {
				return
			}
			m.onEncryption(ctx, res)
		case res, ok := <-m.decryption:
			if !ok {
				return
			}
			m.onDecryption(ctx, res)
		case res, ok := <-m.deviceUpdate:
			if !ok {
				return
			}
			m.onDeviceUpdate(ctx, res)
		}
	}
}

func (m *Messenger) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Messenger) processQueue(ctx context.Context) {
	if !m.online || m.current != nil || len(m.queue) == 0 {
		return
	}

	o := m.queue[0]
	m.queue = m.queue[1:]
	m.current = o

	if err := m.cipher.Encrypt(ctx, o.to, o.text, cipher.Tag{MessageID: o.id, Connection: m.tag}); err != nil {
		m.finish(ctx, MessageFailed{To: o.to, MessageID: o.id, Err: err})
	}
}

// finish reports the current message and moves on to the next one.
func (m *Messenger) finish(ctx context.Context, ev Event) {
	m.current = nil
	m.updating = false
	m.emit(ctx, ev)
	m.processQueue(ctx)
}

// retry puts the current message back at the head of the queue.
func (m *Messenger) retry(ctx context.Context) {
	if m.current != nil {
		m.queue = append([]*outgoing{m.current}, m.queue...)
	}
	m.current = nil
	m.updating = false
	m.processQueue(ctx)
}

func (m *Messenger) isCurrent(to, id string) bool {
	return m.current != nil && m.current.id == id && m.current.to == to
}

func (m *Messenger) onRelayEvent(ctx context.Context, ev relay.Event) {
	switch ev := ev.(type) {
	case relay.StatusChanged:
		m.online, m.tag = ev.Online, ev.Tag
		m.emit(ctx, OnlineChanged{Online: ev.Online})
		if ev.Online {
			m.processQueue(ctx)
			return
		}
		// Whatever was in flight is sent again on the next connection.
		if m.current != nil {
			m.queue = append([]*outgoing{m.current}, m.queue...)
			m.current = nil
		}
		m.updating = false

	case relay.ServerReceivedMessage:
		if m.isCurrent(ev.To, ev.MessageID) {
			m.finish(ctx, MessageSent{To: ev.To, MessageID: ev.MessageID})
		}

	case relay.UserOffline:
		if m.isCurrent(ev.To, ev.MessageID) {
			log.Info("recipient is not active", zap.String("to", ev.To))
			m.finish(ctx, MessageFailed{To: ev.To, MessageID: ev.MessageID, Err: ErrUserInactive})
		}

	case relay.DeviceMismatch:
		if !m.isCurrent(ev.To, ev.MessageID) {
			return
		}
		log.Info("device mismatch",
			zap.String("to", ev.To),
			zap.String("message_id", ev.MessageID),
			zap.Uint32s("stale", ev.Info.Stale),
			zap.Uint32s("missing", ev.Info.Missing),
			zap.Uint32s("removed", ev.Info.Removed))
		if err := m.cipher.UpdateDevices(ctx, ev.To, ev.Info); err != nil {
			m.finish(ctx, MessageFailed{To: ev.To, MessageID: ev.MessageID, Err: err})
			return
		}
		m.updating = true

	case relay.ReceivedMessage:
		msg, ok := ev.Bundle.ForDevice(m.self.DeviceID)
		if !ok {
			log.Warn("received bundle has nothing for this device", zap.Stringer("from", ev.From), zap.String("message_id", ev.MessageID))
			m.ack(ev.MessageID)
			return
		}
		err := m.cipher.Decrypt(ctx, ev.From, model.EncryptedMessage{MessageID: ev.MessageID, Payload: msg.Payload})
		if err != nil {
			log.Error("queue decryption failed", zap.String("message_id", ev.MessageID), zap.Error(err))
		}

	case relay.MessageSentToUser:
		log.Debug("message delivered", zap.String("to", ev.To), zap.String("message_id", ev.MessageID))
	}
}

func (m *Messenger) ack(messageID string) {
	if err := m.relay.SendMessageReceivedAck(messageID); err != nil {
		log.Warn("ack failed, relay will redeliver", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (m *Messenger) onEncryption(ctx context.Context, res cipher.EncryptionResult) {
	if !m.isCurrent(res.UserID, res.Tag.MessageID) {
		return
	}
	if res.Err != nil {
		m.finish(ctx, MessageFailed{To: res.UserID, MessageID: res.Tag.MessageID, Err: res.Err})
		return
	}
	if len(res.Messages) == 0 {
		m.finish(ctx, MessageSent{To: res.UserID, MessageID: res.Tag.MessageID})
		return
	}

	bundle := model.MessageBundle{Messages: res.Messages}
	err := m.relay.SendMessage(res.Tag.Connection, res.UserID, bundle, res.Tag.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrStaleConnection), errors.Is(err, relay.ErrNotAuthenticated), errors.Is(err, relay.ErrNotConnected):
		// Prepared for a connection that is gone; encrypt again once online.
		log.Debug("send deferred", zap.String("message_id", res.Tag.MessageID), zap.Error(err))
		m.retry(ctx)
	default:
		m.finish(ctx, MessageFailed{To: res.UserID, MessageID: res.Tag.MessageID, Err: err})
	}
}

func (m *Messenger) onDecryption(ctx context.Context, res cipher.DecryptionResult) {
	// A message that failed to decrypt will never succeed, so it is
	// acknowledged either way.
	m.ack(res.MessageID)
	if res.Err != nil {
		return
	}
	m.emit(ctx, MessageReceived{From: res.From, MessageID: res.MessageID, Text: res.Plaintext})
}

func (m *Messenger) onDeviceUpdate(ctx context.Context, res cipher.DeviceUpdateResult) {
	if !m.updating || m.current == nil || m.current.to != res.UserID {
		return
	}
	if res.Err != nil {
		log.Error("device update failed", zap.String("user", res.UserID), zap.Error(res.Err))
		m.finish(ctx, MessageFailed{To: m.current.to, MessageID: m.current.id, Err: res.Err})
		return
	}
	m.retry(ctx)
}
