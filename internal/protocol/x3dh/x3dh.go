package x3dh

import (
	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/kdf"
	"e2e_relay/internal/model"
)

const SharedKeySize = 32

var info = []byte("SharedKey")

// deriveSharedKey concatenates the DH outputs in protocol order and runs them
// through HKDF. dh4 is nil when no one-time prekey was used.
func deriveSharedKey(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	ikm := make([]byte, 0, 4*32)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	ikm = append(ikm, dh4...)
	return kdf.HKDF(ikm, nil, info, SharedKeySize)
}

// SenderSharedKey runs the initiator side:
// DH(IKa, SPKb) || DH(EKa, IKb) || DH(EKa, SPKb) [|| DH(EKa, OPKb)].
func SenderSharedKey(b *model.SenderKeyBundle) ([]byte, error) {
	dh1, err := dh.SharedSecret(b.IdentityPriv, b.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.SharedSecret(b.EphemeralPriv, b.IdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.SharedSecret(b.EphemeralPriv, b.SignedPreKey)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if b.OneTimeKey != nil {
		if dh4, err = dh.SharedSecret(b.EphemeralPriv, *b.OneTimeKey); err != nil {
			return nil, err
		}
	}
	return deriveSharedKey(dh1, dh2, dh3, dh4)
}

// ReceiverSharedKey mirrors SenderSharedKey from the responder's keys.
func ReceiverSharedKey(b *model.ReceiverKeyBundle) ([]byte, error) {
	dh1, err := dh.SharedSecret(b.SignedPreKeyPriv, b.IdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.SharedSecret(b.IdentityPriv, b.EphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.SharedSecret(b.SignedPreKeyPriv, b.EphemeralPub)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if b.OneTimeKeyPriv != nil {
		if dh4, err = dh.SharedSecret(*b.OneTimeKeyPriv, b.EphemeralPub); err != nil {
			return nil, err
		}
	}
	return deriveSharedKey(dh1, dh2, dh3, dh4)
}
