package model

type (
	// SenderKeyBundle is the initiator's view of an X3DH agreement.
	SenderKeyBundle struct {
		IdentityPriv  PrivateKey
		EphemeralPriv PrivateKey

		IdentityPub  PublicKey
		SignedPreKey PublicKey
		OneTimeKey   *PublicKey
	}

	// ReceiverKeyBundle is the responder's view of an X3DH agreement.
	ReceiverKeyBundle struct {
		IdentityPub  PublicKey
		EphemeralPub PublicKey

		IdentityPriv     PrivateKey
		SignedPreKeyPriv PrivateKey
		OneTimeKeyPriv   *PrivateKey
	}
)
