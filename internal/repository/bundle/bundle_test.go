package bundle

import (
	"context"
	"testing"

	"e2e_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(reg uint32, preKeys ...uint32) *model.DeviceKeys {
	k := &model.DeviceKeys{
		RegistrationID: reg,
		IdentityKey:    model.PublicKey{byte(reg)},
		SigningKey:     []byte{1, 2, 3},
		SignedPreKey: model.SignedPreKey{
			ID:        7,
			PublicKey: model.PublicKey{0xaa},
			Signature: []byte{4, 5},
		},
	}
	for _, id := range preKeys {
		k.PreKeys = append(k.PreKeys, model.PreKey{ID: id, PublicKey: model.PublicKey{byte(id)}})
	}
	return k
}

func TestMemoryRepoTakeConsumesPreKeys(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	require.NoError(t, r.Publish(ctx, "bob", 1, testKeys(11, 100, 101)))

	for _, want := range []uint32{100, 101} {
		bundles, err := r.Take(ctx, "bob", []uint32{1})
		require.NoError(t, err)
		require.Len(t, bundles, 1)
		require.NotNil(t, bundles[0].PreKey)
		assert.Equal(t, want, bundles[0].PreKey.ID)
		assert.Equal(t, model.Address{UserID: "bob", DeviceID: 1}, bundles[0].Address())
		assert.Equal(t, uint32(11), bundles[0].RegistrationID)
	}

	bundles, err := r.Take(ctx, "bob", []uint32{1})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Nil(t, bundles[0].PreKey)
}

func TestMemoryRepoTakeAllDevices(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	require.NoError(t, r.Publish(ctx, "bob", 2, testKeys(22)))
	require.NoError(t, r.Publish(ctx, "bob", 1, testKeys(11)))

	bundles, err := r.Take(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, uint32(1), bundles[0].DeviceID)
	assert.Equal(t, uint32(2), bundles[1].DeviceID)

	bundles, err = r.Take(ctx, "bob", []uint32{2, 9})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, uint32(2), bundles[0].DeviceID)

	_, err = r.Take(ctx, "carol", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepoDevices(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	_, err := r.Devices(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Publish(ctx, "bob", 3, testKeys(33)))
	require.NoError(t, r.Publish(ctx, "bob", 1, testKeys(11)))
	require.NoError(t, r.Publish(ctx, "bob", 1, testKeys(12)))

	devices, err := r.Devices(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []model.DeviceInfo{{ID: 1, RegistrationID: 12}, {ID: 3, RegistrationID: 33}}, devices)
}

func TestDocumentBundle(t *testing.T) {
	doc := toDocument("bob", 4, testKeys(44, 100, 101))

	b, err := doc.bundle()
	require.NoError(t, err)
	assert.Equal(t, "bob", b.UserID)
	assert.Equal(t, uint32(4), b.DeviceID)
	assert.Equal(t, uint32(44), b.RegistrationID)
	assert.Equal(t, model.PublicKey{44}, b.IdentityKey)
	assert.Equal(t, model.SignedPreKey{ID: 7, PublicKey: model.PublicKey{0xaa}, Signature: []byte{4, 5}}, b.SignedPreKey)
	require.NotNil(t, b.PreKey)
	assert.Equal(t, model.PreKey{ID: 100, PublicKey: model.PublicKey{100}}, *b.PreKey)

	doc.IdentityKey = doc.IdentityKey[:5]
	_, err = doc.bundle()
	assert.Error(t, err)
}
