package wire

import "strconv"

// CommandCode identifies the purpose of a relay frame. Client* codes are sent
// by clients, Server* codes by the relay.
type CommandCode int

const (
	ClientRegisterRequest CommandCode = iota + 1
	ServerRegisterSuccessful
	// ServerRegisterRequest asks the client to (re)authenticate. It is also
	// the relay's answer to a rejected or expired token.
	ServerRegisterRequest
	ClientCheckValidity
	ServerIDValid
	// ClientSendMessage doubles as "message received" when sent by the relay.
	ClientSendMessage
	ServerMessageReceived
	ServerMessageSent
	ClientMessageView
	ServerUserOffline
	ClientFileTransferRequest
	ClientFileTransferAccept
	ClientFileTransferData
	ClientFileTransferComplete
	ClientFileTransferCancelOrReject
	ClientPing
	ServerPong
	ClientReceivedMessage
	ServerDeviceMismatch

	maxCommandCode = ServerDeviceMismatch
)

var commandNames = [...]string{
	ClientRegisterRequest:            "ClientRegisterRequest",
	ServerRegisterSuccessful:         "ServerRegisterSuccessful",
	ServerRegisterRequest:            "ServerRegisterRequest",
	ClientCheckValidity:              "ClientCheckValidity",
	ServerIDValid:                    "ServerIDValid",
	ClientSendMessage:                "ClientSendMessage",
	ServerMessageReceived:            "ServerMessageReceived",
	ServerMessageSent:                "ServerMessageSent",
	ClientMessageView:                "ClientMessageView",
	ServerUserOffline:                "ServerUserOffline",
	ClientFileTransferRequest:        "ClientFileTransferRequest",
	ClientFileTransferAccept:         "ClientFileTransferAccept",
	ClientFileTransferData:           "ClientFileTransferData",
	ClientFileTransferComplete:       "ClientFileTransferComplete",
	ClientFileTransferCancelOrReject: "ClientFileTransferCancelOrReject",
	ClientPing:                       "ClientPing",
	ServerPong:                       "ServerPong",
	ClientReceivedMessage:            "ClientReceivedMessage",
	ServerDeviceMismatch:             "ServerDeviceMismatch",
}

func (c CommandCode) Valid() bool {
	return c >= ClientRegisterRequest && c <= maxCommandCode
}

func (c CommandCode) String() string {
	if !c.Valid() {
		return "CommandCode(" + strconv.Itoa(int(c)) + ")"
	}
	return commandNames[c]
}
