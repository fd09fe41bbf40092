package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	Signature       = "CSP"
	ProtocolVersion = 1

	signatureSize     = 3
	versionSize       = 2
	contentLengthSize = 5
	authTokenSize     = 32
	fromSize          = 254
	toSize            = 254
	messageIDSize     = 32
	fragmentIndexSize = 2
	fragmentCountSize = 2
	commandCodeSize   = 3

	// HeaderSize is the fixed length of every encoded header.
	HeaderSize = signatureSize + versionSize + contentLengthSize + authTokenSize +
		fromSize + toSize + messageIDSize + fragmentIndexSize + fragmentCountSize + commandCodeSize

	MaxContentLength = 99999
	MaxFragments     = 99
)

var (
	ErrMalformedHeader     = errors.New("wire: malformed header")
	ErrInvalidSignature    = errors.New("wire: invalid header signature")
	ErrUnsupportedVersion  = errors.New("wire: unsupported protocol version")
	ErrInvalidCommandCode  = errors.New("wire: invalid command code")
	ErrInvalidHeaderFields = errors.New("wire: invalid header fields")
)

// Header is the fixed-size ASCII preamble of every relay frame.
type Header struct {
	Version       int
	ContentLength int
	AuthToken     string
	From          string
	To            string
	MessageID     string
	FragmentIndex int
	FragmentCount int
	Command       CommandCode
}

// NewHeader builds a version 1 header and validates it.
func NewHeader(contentLength int, authToken, from, to, messageID string, fragmentIndex, fragmentCount int, command CommandCode) (Header, error) {
	h := Header{
		Version:       ProtocolVersion,
		ContentLength: contentLength,
		AuthToken:     authToken,
		From:          from,
		To:            to,
		MessageID:     messageID,
		FragmentIndex: fragmentIndex,
		FragmentCount: fragmentCount,
		Command:       command,
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (h Header) Validate() error {
	switch {
	case h.Version != ProtocolVersion:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	case !h.Command.Valid():
		return fmt.Errorf("%w: %d", ErrInvalidCommandCode, int(h.Command))
	case h.ContentLength < 0 || h.ContentLength > MaxContentLength:
		return fmt.Errorf("%w: content length %d", ErrInvalidHeaderFields, h.ContentLength)
	case h.FragmentIndex < 0 || h.FragmentCount > MaxFragments:
		return fmt.Errorf("%w: fragment %d/%d", ErrInvalidHeaderFields, h.FragmentIndex, h.FragmentCount)
	case h.FragmentIndex >= h.FragmentCount:
		return fmt.Errorf("%w: fragment index %d >= fragment count %d", ErrInvalidHeaderFields, h.FragmentIndex, h.FragmentCount)
	}
	for _, f := range []struct {
		name  string
		value string
		size  int
	}{
		{"auth token", h.AuthToken, authTokenSize},
		{"from", h.From, fromSize},
		{"to", h.To, toSize},
		{"message id", h.MessageID, messageIDSize},
	} {
		if len(f.value) > f.size {
			return fmt.Errorf("%w: %s is %d bytes, max %d", ErrInvalidHeaderFields, f.name, len(f.value), f.size)
		}
		if !isASCII(f.value) {
			return fmt.Errorf("%w: %s is not ASCII", ErrInvalidHeaderFields, f.name)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func padNumber(b *bytes.Buffer, v, size int) {
	s := strconv.Itoa(v)
	b.WriteString(strings.Repeat("0", size-len(s)))
	b.WriteString(s)
}

func padString(b *bytes.Buffer, v string, size int) {
	b.WriteString(v)
	b.WriteString(strings.Repeat(" ", size-len(v)))
}

// Encode returns the HeaderSize-byte encoding of h.
func (h Header) Encode() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(HeaderSize)
	b.WriteString(Signature)
	padNumber(&b, h.Version, versionSize)
	padNumber(&b, h.ContentLength, contentLengthSize)
	padString(&b, h.AuthToken, authTokenSize)
	padString(&b, h.From, fromSize)
	padString(&b, h.To, toSize)
	padString(&b, h.MessageID, messageIDSize)
	padNumber(&b, h.FragmentIndex, fragmentIndexSize)
	padNumber(&b, h.FragmentCount, fragmentCountSize)
	padNumber(&b, int(h.Command), commandCodeSize)
	return b.Bytes(), nil
}

type fieldReader struct {
	b   []byte
	pos int
	err error
}

func (r *fieldReader) next(n int) string {
	s := string(r.b[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *fieldReader) str(n int) string {
	return strings.TrimRight(r.next(n), " ")
}

func (r *fieldReader) number(name string, n int) int {
	s := r.next(n)
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		r.err = fmt.Errorf("%w: %s %q is not a number", ErrMalformedHeader, name, s)
		return 0
	}
	return int(v)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedHeader, len(b), HeaderSize)
	}
	if string(b[:signatureSize]) != Signature {
		return Header{}, fmt.Errorf("%w: %x", ErrInvalidSignature, b[:signatureSize])
	}

	r := &fieldReader{b: b[:HeaderSize], pos: signatureSize}
	var h Header
	h.Version = r.number("version", versionSize)
	if r.err == nil && h.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	h.ContentLength = r.number("content length", contentLengthSize)
	h.AuthToken = r.str(authTokenSize)
	h.From = r.str(fromSize)
	h.To = r.str(toSize)
	h.MessageID = r.str(messageIDSize)
	h.FragmentIndex = r.number("fragment index", fragmentIndexSize)
	h.FragmentCount = r.number("fragment count", fragmentCountSize)
	code := r.number("command code", commandCodeSize)
	if r.err != nil {
		return Header{}, r.err
	}
	h.Command = CommandCode(code)
	if !h.Command.Valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidCommandCode, code)
	}
	if h.FragmentIndex >= h.FragmentCount {
		return Header{}, fmt.Errorf("%w: fragment index %d >= fragment count %d", ErrMalformedHeader, h.FragmentIndex, h.FragmentCount)
	}
	return h, nil
}
