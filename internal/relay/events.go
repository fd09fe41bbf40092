package relay

import "e2e_relay/internal/model"

type (
	Event interface {
		relayEvent()
	}

	ConnectionEstablished struct{}

	// ConnectionFailure means the relay could not be reached at all.
	ConnectionFailure struct {
		Err error
	}

	ConnectionLost struct {
		Err       error
		Requested bool
	}

	AuthenticationSuccessful struct{}

	// AuthenticationFailure is a rejected token. The client disconnects.
	AuthenticationFailure struct{}

	// AuthenticationExpired is sent when the relay asks an authenticated
	// client to register again. The client re-authenticates on its own.
	AuthenticationExpired struct{}

	// ServerReceivedMessage: the relay accepted a message we sent.
	ServerReceivedMessage struct {
		To        string
		MessageID string
	}

	// MessageSentToUser: the relay handed our message to the recipient.
	MessageSentToUser struct {
		To        string
		MessageID string
	}

	UserOffline struct {
		To        string
		MessageID string
	}

	ReceivedMessage struct {
		From      model.Address
		MessageID string
		Bundle    model.MessageBundle
	}

	DeviceMismatch struct {
		To        string
		MessageID string
		Info      model.DeviceMismatch
	}

	Pong struct{}

	// StatusChanged is emitted by Manager when it goes online or offline.
	// Tag identifies the connection that is online.
	StatusChanged struct {
		Online bool
		Tag    uint32
	}
)

func (ConnectionEstablished) relayEvent()    {}
func (ConnectionFailure) relayEvent()        {}
func (ConnectionLost) relayEvent()           {}
func (AuthenticationSuccessful) relayEvent() {}
func (AuthenticationFailure) relayEvent()    {}
func (AuthenticationExpired) relayEvent()    {}
func (ServerReceivedMessage) relayEvent()    {}
func (MessageSentToUser) relayEvent()        {}
func (UserOffline) relayEvent()              {}
func (ReceivedMessage) relayEvent()          {}
func (DeviceMismatch) relayEvent()           {}
func (Pong) relayEvent()                     {}
func (StatusChanged) relayEvent()            {}
