package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffDevices(t *testing.T) {
	sessions := map[uint32]uint32{1: 100, 2: 200, 3: 300}
	lookup := func(id uint32) uint32 { return sessions[id] }

	diff := DiffDevices(
		[]uint32{1, 2, 3},
		[]DeviceInfo{{ID: 1, RegistrationID: 100}, {ID: 2, RegistrationID: 201}, {ID: 4, RegistrationID: 400}},
		lookup,
	)

	assert.Equal(t, []uint32{2}, diff.Stale)
	assert.Equal(t, []uint32{4}, diff.Missing)
	assert.Equal(t, []uint32{3}, diff.Removed)
	assert.False(t, diff.Empty())
}

func TestDiffDevicesNothingChanged(t *testing.T) {
	diff := DiffDevices([]uint32{7}, []DeviceInfo{{ID: 7, RegistrationID: 9}}, func(uint32) uint32 { return 9 })
	assert.True(t, diff.Empty())
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("alice@example.org:12")
	require.NoError(t, err)
	assert.Equal(t, Address{UserID: "alice@example.org", DeviceID: 12}, a)
	assert.Equal(t, "alice@example.org:12", a.String())

	for _, bad := range []string{"", "alice", "alice:", ":3", "alice:x"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestPublicKeyJSON(t *testing.T) {
	var k PublicKey
	for i := range k {
		k[i] = byte(i)
	}
	b, err := json.Marshal(SignedPreKey{ID: 3, PublicKey: k})
	require.NoError(t, err)

	var out SignedPreKey
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, k, out.PublicKey)

	assert.Error(t, json.Unmarshal([]byte(`{"public_key":"AAEC"}`), &out))
}
