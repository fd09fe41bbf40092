package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/encryption"
	"e2e_relay/internal/model"
)

// MaxSkip bounds how many message keys one session keeps for out-of-order
// delivery.
const MaxSkip = 1000

var (
	ErrNoRemoteKey      = errors.New("doubleratchet: remote ratchet key not set")
	ErrNoReceivingChain = errors.New("doubleratchet: no receiving chain")
	ErrTooManySkipped   = errors.New("doubleratchet: skipped message limit exceeded")
)

// State is one side of a double ratchet session. Fields are exported so the
// session stores can serialize it.
type State struct {
	RootKey []byte

	DHs model.KeyPair   // our current ratchet key pair
	DHr model.PublicKey // remote party's current ratchet key

	SendingChainKey   []byte
	ReceivingChainKey []byte
	Ns                uint32 // messages sent in the current sending chain
	Nr                uint32 // messages received in the current receiving chain
	PN                uint32 // length of the previous sending chain

	// Skipped maps "hex(pub):n" to a message key not yet used.
	Skipped map[string][]byte
}

// NewSender starts the initiator's state from the X3DH shared key. The first
// Encrypt performs a DH ratchet step against the responder's signed prekey.
func NewSender(sharedKey []byte, remote model.PublicKey) *State {
	return &State{
		RootKey: bytes.Clone(sharedKey),
		DHr:     remote,
		Skipped: make(map[string][]byte),
	}
}

// NewReceiver starts the responder's state with its signed prekey as the
// initial ratchet key pair.
func NewReceiver(sharedKey []byte, signedPreKey model.KeyPair) *State {
	return &State{
		RootKey: bytes.Clone(sharedKey),
		DHs:     signedPreKey,
		Skipped: make(map[string][]byte),
	}
}

func (s *State) Clone() *State {
	c := *s
	c.RootKey = bytes.Clone(s.RootKey)
	c.SendingChainKey = bytes.Clone(s.SendingChainKey)
	c.ReceivingChainKey = bytes.Clone(s.ReceivingChainKey)
	c.Skipped = maps.Clone(s.Skipped)
	if c.Skipped == nil {
		c.Skipped = make(map[string][]byte)
	}
	return &c
}

func headerAAD(h model.RatchetHeader) []byte {
	b := make([]byte, 40)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func skippedKey(pub model.PublicKey, n uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + strconv.FormatUint(uint64(n), 10)
}

// ratchetSend starts a new sending chain with a fresh key pair.
func (s *State) ratchetSend() error {
	if s.DHr.IsZero() {
		return ErrNoRemoteKey
	}
	kp, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.SharedSecret(kp.Private, s.DHr)
	if err != nil {
		return fmt.Errorf("dh during send ratchet: %w", err)
	}
	if s.RootKey, s.SendingChainKey, err = kdfRootKey(s.RootKey, shared); err != nil {
		return err
	}
	s.DHs = kp
	s.Ns = 0
	return nil
}

// ratchetReceive adopts a new remote ratchet key. The next Encrypt starts a
// new sending chain.
func (s *State) ratchetReceive(remote model.PublicKey) error {
	shared, err := dh.SharedSecret(s.DHs.Private, remote)
	if err != nil {
		return fmt.Errorf("dh during receive ratchet: %w", err)
	}
	if s.RootKey, s.ReceivingChainKey, err = kdfRootKey(s.RootKey, shared); err != nil {
		return err
	}
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = remote
	s.SendingChainKey = nil
	return nil
}

// skipUntil stores message keys of the receiving chain for [Nr, until).
func (s *State) skipUntil(until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoReceivingChain
	}
	n := int(until - s.Nr)
	if n > MaxSkip || len(s.Skipped)+n > MaxSkip {
		return fmt.Errorf("%w: have %d, need %d", ErrTooManySkipped, len(s.Skipped), n)
	}
	for ; n > 0; n-- {
		var mk []byte
		var err error
		if s.ReceivingChainKey, mk, err = kdfChainKey(s.ReceivingChainKey); err != nil {
			return err
		}
		s.Skipped[skippedKey(s.DHr, s.Nr)] = mk
		s.Nr++
	}
	return nil
}

func (s *State) Encrypt(plaintext []byte) (model.RatchetHeader, []byte, error) {
	if s.SendingChainKey == nil {
		if err := s.ratchetSend(); err != nil {
			return model.RatchetHeader{}, nil, err
		}
	}

	next, mk, err := kdfChainKey(s.SendingChainKey)
	if err != nil {
		return model.RatchetHeader{}, nil, err
	}
	h := model.RatchetHeader{Pub: s.DHs.Public, MsgNum: s.Ns, Prev: s.PN}
	ct, err := encryption.Seal(mk, plaintext, headerAAD(h))
	if err != nil {
		return model.RatchetHeader{}, nil, err
	}
	s.SendingChainKey = next
	s.Ns++
	return h, ct, nil
}

// Decrypt authenticates and decrypts one message. On error s is left
// exactly as it was.
func (s *State) Decrypt(h model.RatchetHeader, ciphertext []byte) ([]byte, error) {
	next := s.Clone()
	plain, err := next.decrypt(h, ciphertext)
	if err != nil {
		return nil, err
	}
	*s = *next
	return plain, nil
}

func (s *State) decrypt(h model.RatchetHeader, ciphertext []byte) ([]byte, error) {
	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		delete(s.Skipped, key)
		return encryption.Open(mk, ciphertext, headerAAD(h))
	}

	if h.Pub != s.DHr {
		if s.ReceivingChainKey != nil {
			if err := s.skipUntil(h.Prev); err != nil {
				return nil, err
			}
		}
		if err := s.ratchetReceive(h.Pub); err != nil {
			return nil, err
		}
	}

	if s.ReceivingChainKey == nil {
		return nil, ErrNoReceivingChain
	}
	if err := s.skipUntil(h.MsgNum); err != nil {
		return nil, err
	}

	var mk []byte
	var err error
	if s.ReceivingChainKey, mk, err = kdfChainKey(s.ReceivingChainKey); err != nil {
		return nil, err
	}
	s.Nr++
	return encryption.Open(mk, ciphertext, headerAAD(h))
}
