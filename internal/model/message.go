package model

type (
	// RatchetHeader is carried in clear next to each ratchet ciphertext.
	RatchetHeader struct {
		Pub    PublicKey `json:"pub"`     // sender's current ratchet public key
		MsgNum uint32    `json:"msg_num"` // message number in the sending chain
		Prev   uint32    `json:"prev"`    // previous sending chain length (PN)
	}

	// PreKeyMessage is attached to every message of a session until the
	// initiator hears back from the peer.
	PreKeyMessage struct {
		RegistrationID uint32    `json:"registration_id"`
		IdentityKey    PublicKey `json:"identity_key"`
		BaseKey        PublicKey `json:"base_key"`
		SignedPreKeyID uint32    `json:"signed_pre_key_id"`
		PreKeyID       *uint32   `json:"pre_key_id,omitempty"`
	}

	EncryptedPayload struct {
		PreKey     *PreKeyMessage `json:"pre_key,omitempty"`
		Header     RatchetHeader  `json:"header"`
		Ciphertext []byte         `json:"ciphertext"`
	}

	// DeviceMessage is the ciphertext of one chat message for one device.
	DeviceMessage struct {
		DeviceID       uint32           `json:"device_id"`
		RegistrationID uint32           `json:"registration_id"`
		Payload        EncryptedPayload `json:"payload"`
	}

	// MessageBundle is the content of a send-message relay frame: the same
	// message encrypted once per recipient device.
	MessageBundle struct {
		Messages []DeviceMessage `json:"messages"`
	}

	EncryptedMessage struct {
		MessageID string
		Payload   EncryptedPayload
	}
)

func (b MessageBundle) ForDevice(deviceID uint32) (DeviceMessage, bool) {
	for _, m := range b.Messages {
		if m.DeviceID == deviceID {
			return m, true
		}
	}
	return DeviceMessage{}, false
}
