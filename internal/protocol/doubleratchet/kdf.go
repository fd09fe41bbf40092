package doubleratchet

import (
	"e2e_relay/internal/cryptographic/kdf"
)

var (
	rootInfo   = []byte("RootKDF")
	chainInfo  = []byte("ChainKDF")
	chainInput = []byte("ChainInput")
)

// kdfRootKey derives a new root key and chain key from the old root key and a
// DH output. The old root key is the HKDF salt.
func kdfRootKey(rootKey, dhOut []byte) (newRootKey, chainKey []byte, err error) {
	out, err := kdf.HKDF(dhOut, rootKey, rootInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfChainKey steps a chain: it returns the next chain key and the message key
// for the current position.
func kdfChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	out, err := kdf.HKDF(chainInput, chainKey, chainInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
