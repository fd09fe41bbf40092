package wire

// Assembler turns an arbitrarily chunked byte stream into Messages. It keeps
// partial state between calls to Feed.
type Assembler struct {
	header    [HeaderSize]byte
	headerLen int

	current    *Header
	content    []byte
	contentLen int
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed consumes b and returns every message it completes, in stream order.
// A decode error leaves the assembler unusable; the connection must be
// dropped.
func (a *Assembler) Feed(b []byte) ([]Message, error) {
	var out []Message
	for {
		if a.current == nil {
			n := copy(a.header[a.headerLen:], b)
			a.headerLen += n
			b = b[n:]
			if a.headerLen < HeaderSize {
				return out, nil
			}

			h, err := DecodeHeader(a.header[:])
			if err != nil {
				return out, err
			}
			a.current = &h
			a.content = make([]byte, h.ContentLength)
			a.contentLen = 0
		}

		n := copy(a.content[a.contentLen:], b)
		a.contentLen += n
		b = b[n:]
		if a.contentLen < len(a.content) {
			return out, nil
		}

		out = append(out, Message{Header: *a.current, Content: a.content})
		a.current = nil
		a.content = nil
		a.headerLen = 0

		if len(b) == 0 {
			return out, nil
		}
	}
}
