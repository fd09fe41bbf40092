package dh

import (
	"crypto/rand"
	"fmt"

	"e2e_relay/internal/model"

	"golang.org/x/crypto/curve25519"
)

func NewKeyPair() (model.KeyPair, error) {
	var kp model.KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult((*[32]byte)(&kp.Public), (*[32]byte)(&kp.Private))
	return kp, nil
}

func PublicKey(priv model.PrivateKey) model.PublicKey {
	var pub model.PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

// SharedSecret computes priv * pub. It fails on low-order points.
func SharedSecret(priv model.PrivateKey, pub model.PublicKey) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
