package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

type (
	// PublicKey is an X25519 public key. It marshals to base64 text.
	PublicKey [32]byte

	PrivateKey [32]byte

	KeyPair struct {
		Private PrivateKey `json:"private"`
		Public  PublicKey  `json:"public"`
	}

	// Identity is the long-term key material of the local device.
	Identity struct {
		RegistrationID uint32  `json:"registration_id"`
		DHKey          KeyPair `json:"dh_key"`
		SigningPublic  []byte  `json:"signing_public"`
		SigningPrivate []byte  `json:"signing_private"`
	}

	SignedPreKeyRecord struct {
		ID        uint32    `json:"id"`
		Key       KeyPair   `json:"key"`
		Signature []byte    `json:"signature"`
		CreatedAt time.Time `json:"created_at"`
	}

	PreKeyRecord struct {
		ID  uint32  `json:"id"`
		Key KeyPair `json:"key"`
	}

	SignedPreKey struct {
		ID        uint32    `json:"id"`
		PublicKey PublicKey `json:"public_key"`
		Signature []byte    `json:"signature"`
	}

	PreKey struct {
		ID        uint32    `json:"id"`
		PublicKey PublicKey `json:"public_key"`
	}

	// PreKeyBundle is what a device publishes so others can open a session
	// with it while it is offline.
	PreKeyBundle struct {
		UserID         string       `json:"user_id"`
		DeviceID       uint32       `json:"device_id"`
		RegistrationID uint32       `json:"registration_id"`
		IdentityKey    PublicKey    `json:"identity_key"`
		SigningKey     []byte       `json:"signing_key"`
		SignedPreKey   SignedPreKey `json:"signed_pre_key"`
		PreKey         *PreKey      `json:"pre_key,omitempty"`
	}

	// DeviceKeys is what a device uploads to the key service. Each fetch of
	// its bundle hands out at most one of PreKeys.
	DeviceKeys struct {
		RegistrationID uint32       `json:"registration_id"`
		IdentityKey    PublicKey    `json:"identity_key"`
		SigningKey     []byte       `json:"signing_key"`
		SignedPreKey   SignedPreKey `json:"signed_pre_key"`
		PreKeys        []PreKey     `json:"pre_keys"`
	}
)

func (b PreKeyBundle) Address() Address {
	return Address{UserID: b.UserID, DeviceID: b.DeviceID}
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

func (k *PublicKey) UnmarshalText(b []byte) error {
	return decodeKey(k[:], b)
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

func (k *PrivateKey) UnmarshalText(b []byte) error {
	return decodeKey(k[:], b)
}

func decodeKey(dst, text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key length %d, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
