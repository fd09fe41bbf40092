package wire

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"e2e_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, id string, content []byte) (Message, []byte) {
	t.Helper()
	h, err := NewHeader(len(content), "tok", "alice:1", "bob", id, 0, 1, ClientSendMessage)
	require.NoError(t, err)
	m := Message{Header: h, Content: content}
	b, err := m.Encode()
	require.NoError(t, err)
	return m, b
}

func TestAssemblerWholeMessage(t *testing.T) {
	want, b := frame(t, "1", []byte("hello"))

	msgs, err := NewAssembler().Feed(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, want, msgs[0])
}

func TestAssemblerOneByteAtATime(t *testing.T) {
	want, b := frame(t, "1", bytes.Repeat([]byte{'x'}, 1000))

	a := NewAssembler()
	var got []Message
	for i := range b {
		msgs, err := a.Feed(b[i : i+1])
		require.NoError(t, err)
		if i < len(b)-1 {
			assert.Empty(t, msgs)
		}
		got = append(got, msgs...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestAssemblerManyMessagesInOneChunk(t *testing.T) {
	var stream []byte
	var want []Message
	for i := 0; i < 3; i++ {
		m, b := frame(t, fmt.Sprint(i), []byte(fmt.Sprintf("content %d", i)))
		want = append(want, m)
		stream = append(stream, b...)
	}
	empty, b := frame(t, "empty", nil)
	want = append(want, empty)
	stream = append(stream, b...)

	msgs, err := NewAssembler().Feed(stream)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := range want {
		assert.Equal(t, want[i].Header, msgs[i].Header)
		assert.Equal(t, len(want[i].Content), len(msgs[i].Content))
	}
	assert.Empty(t, msgs[3].Content)
}

func TestAssemblerSplitAcrossBoundary(t *testing.T) {
	_, b1 := frame(t, "a", []byte("first"))
	_, b2 := frame(t, "b", []byte("second"))
	stream := append(b1, b2...)

	a := NewAssembler()
	split := len(b1) + 100
	msgs, err := a.Feed(stream[:split])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Header.MessageID)

	msgs, err = a.Feed(stream[split:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", string(msgs[0].Content))
}

// splitStream returns a few encoded messages of different sizes, one of them
// empty, and the messages a single Feed of the whole stream yields.
func splitStream(t *testing.T) ([]byte, []Message) {
	t.Helper()
	var stream []byte
	for i, content := range [][]byte{
		[]byte("a"),
		nil,
		bytes.Repeat([]byte{'z'}, HeaderSize+7),
		[]byte("last one"),
	} {
		_, b := frame(t, fmt.Sprint(i), content)
		stream = append(stream, b...)
	}
	whole, err := NewAssembler().Feed(stream)
	require.NoError(t, err)
	require.Len(t, whole, 4)
	return stream, whole
}

func feedChunks(t *testing.T, chunks ...[]byte) []Message {
	t.Helper()
	a := NewAssembler()
	var got []Message
	for _, c := range chunks {
		msgs, err := a.Feed(c)
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	return got
}

func TestAssemblerEverySplitPoint(t *testing.T) {
	stream, whole := splitStream(t)
	for i := 0; i <= len(stream); i++ {
		got := feedChunks(t, stream[:i], stream[i:])
		require.Equal(t, whole, got, "split at %d", i)
	}
}

func TestAssemblerRandomChunks(t *testing.T) {
	stream, whole := splitStream(t)
	r := rand.New(rand.NewPCG(7, 42))
	for round := 0; round < 300; round++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + r.IntN(min(len(rest), 2*HeaderSize))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := feedChunks(t, chunks...)
		require.Equal(t, whole, got, "round %d, %d chunks", round, len(chunks))
	}
}

func TestAssemblerZeroLengthContent(t *testing.T) {
	ping, err := NewPing()
	require.NoError(t, err)
	b, err := ping.Encode()
	require.NoError(t, err)

	msgs, err := NewAssembler().Feed(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ClientPing, msgs[0].Header.Command)
	assert.Empty(t, msgs[0].Content)
}

func TestAssemblerRejectsBadSignature(t *testing.T) {
	_, b := frame(t, "1", nil)
	copy(b, "NOP")
	_, err := NewAssembler().Feed(b)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSendMessageContent(t *testing.T) {
	creds := Credentials{Address: model.Address{UserID: "alice", DeviceID: 2}, AuthToken: "tok"}
	bundle := model.MessageBundle{Messages: []model.DeviceMessage{{DeviceID: 1, RegistrationID: 77}}}

	m, err := NewSendMessage(creds, "bob", bundle, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "alice:2", m.Header.From)
	assert.Equal(t, "bob", m.Header.To)
	assert.Equal(t, len(m.Content), m.Header.ContentLength)

	got, err := ReadMessageBundle(m.Content)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	ack, err := NewMessageReceivedAck(creds, "id-1")
	require.NoError(t, err)
	assert.Equal(t, ClientReceivedMessage, ack.Header.Command)
	assert.Equal(t, "id-1", string(ack.Content))
}

func TestReadDeviceMismatch(t *testing.T) {
	m, err := ReadDeviceMismatch([]byte(`{"stale":[1],"missing":[2,3],"removed":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, m.Stale)
	assert.Equal(t, []uint32{2, 3}, m.Missing)
	assert.Empty(t, m.Removed)

	_, err = ReadDeviceMismatch([]byte("nope"))
	assert.Error(t, err)
}

func TestEncodeRejectsLengthMismatch(t *testing.T) {
	h, err := NewHeader(3, "", "", "", "", 0, 1, ClientSendMessage)
	require.NoError(t, err)
	_, err = Message{Header: h, Content: []byte("four")}.Encode()
	assert.ErrorIs(t, err, ErrInvalidHeaderFields)
}
