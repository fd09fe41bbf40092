package connection

import "e2e_relay/internal/protocol/wire"

type (
	// Event is emitted by a Manager on its Events channel.
	Event interface {
		connectionEvent()
	}

	Established struct{}

	MessageReceived struct {
		Message wire.Message
	}

	// Lost is the last event of every connection that was established. Err
	// is nil after a requested disconnect or a clean EOF.
	Lost struct {
		Err       error
		Requested bool
	}
)

func (Established) connectionEvent()     {}
func (MessageReceived) connectionEvent() {}
func (Lost) connectionEvent()            {}

// ioEvent is pushed onto the manager's internal queue by the reader, the
// writer and Disconnect.
type (
	ioEvent interface {
		ioEvent()
	}

	dataEvent struct {
		data []byte
	}

	eofEvent struct{}

	readerErrorEvent struct {
		err error
	}

	writerErrorEvent struct {
		err error
	}

	disconnectEvent struct{}
)

func (dataEvent) ioEvent()        {}
func (eofEvent) ioEvent()         {}
func (readerErrorEvent) ioEvent() {}
func (writerErrorEvent) ioEvent() {}
func (disconnectEvent) ioEvent()  {}

type writeJob struct {
	data       []byte
	disconnect bool
}
