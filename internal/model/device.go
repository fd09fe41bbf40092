package model

import "slices"

type (
	DeviceInfo struct {
		ID             uint32 `json:"id"`
		RegistrationID uint32 `json:"registration_id"`
	}

	// DeviceMismatch is what the relay reports when a message bundle does not
	// match the recipient's current device list.
	DeviceMismatch struct {
		Stale   []uint32 `json:"stale"`
		Missing []uint32 `json:"missing"`
		Removed []uint32 `json:"removed"`
	}
)

func (m DeviceMismatch) Empty() bool {
	return len(m.Stale) == 0 && len(m.Missing) == 0 && len(m.Removed) == 0
}

// DiffDevices compares the device ids we hold sessions for against the
// authoritative device list. registrationID returns the registration id
// recorded in our session for a device, or 0 when there is none.
func DiffDevices(current []uint32, received []DeviceInfo, registrationID func(uint32) uint32) DeviceMismatch {
	var diff DeviceMismatch

	receivedIDs := make(map[uint32]struct{}, len(received))
	for _, d := range received {
		receivedIDs[d.ID] = struct{}{}
	}
	for _, id := range current {
		if _, ok := receivedIDs[id]; !ok && !slices.Contains(diff.Removed, id) {
			diff.Removed = append(diff.Removed, id)
		}
	}

	for _, d := range received {
		switch reg := registrationID(d.ID); {
		case reg == 0:
			diff.Missing = append(diff.Missing, d.ID)
		case reg != d.RegistrationID:
			diff.Stale = append(diff.Stale, d.ID)
		}
	}
	return diff
}
