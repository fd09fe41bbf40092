package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

func NewKeypair() (pub, priv []byte, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func Sign(priv, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), message)
}

// Verify reports whether sig is a valid signature of message by pub. A key of
// the wrong length is never valid.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
