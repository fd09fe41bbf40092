package wire

import (
	"encoding/json"
	"fmt"

	"e2e_relay/internal/model"
)

// Message is one relay frame: a header and ContentLength bytes of content.
type Message struct {
	Header  Header
	Content []byte
}

func (m Message) Encode() ([]byte, error) {
	if m.Header.ContentLength != len(m.Content) {
		return nil, fmt.Errorf("%w: content length %d, content is %d bytes", ErrInvalidHeaderFields, m.Header.ContentLength, len(m.Content))
	}
	h, err := m.Header.Encode()
	if err != nil {
		return nil, err
	}
	return append(h, m.Content...), nil
}

// Credentials identify the sending device on every client frame.
type Credentials struct {
	Address   model.Address
	AuthToken string
}

func newMessage(content []byte, token, from, to, messageID string, command CommandCode) (Message, error) {
	h, err := NewHeader(len(content), token, from, to, messageID, 0, 1, command)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: h, Content: content}, nil
}

func NewAuthRequest(c Credentials) (Message, error) {
	return newMessage(nil, c.AuthToken, c.Address.String(), "", "", ClientRegisterRequest)
}

func NewSendMessage(c Credentials, to string, bundle model.MessageBundle, messageID string) (Message, error) {
	content, err := json.Marshal(bundle)
	if err != nil {
		return Message{}, err
	}
	return newMessage(content, c.AuthToken, c.Address.String(), to, messageID, ClientSendMessage)
}

func NewPing() (Message, error) {
	return newMessage(nil, "", "", "", "", ClientPing)
}

// NewMessageReceivedAck tells the relay the message has been handled and
// can be dropped from its offline queue.
func NewMessageReceivedAck(c Credentials, messageID string) (Message, error) {
	return newMessage([]byte(messageID), c.AuthToken, c.Address.String(), "", "", ClientReceivedMessage)
}

func ReadMessageBundle(content []byte) (model.MessageBundle, error) {
	var b model.MessageBundle
	if err := json.Unmarshal(content, &b); err != nil {
		return model.MessageBundle{}, fmt.Errorf("wire: invalid message bundle: %w", err)
	}
	return b, nil
}

func ReadDeviceMismatch(content []byte) (model.DeviceMismatch, error) {
	var m model.DeviceMismatch
	if err := json.Unmarshal(content, &m); err != nil {
		return model.DeviceMismatch{}, fmt.Errorf("wire: invalid device mismatch: %w", err)
	}
	return m, nil
}

// NewServerMessage builds a frame sent by the relay. Relay frames carry no
// auth token.
func NewServerMessage(command CommandCode, from, to, messageID string, content []byte) (Message, error) {
	return newMessage(content, "", from, to, messageID, command)
}
