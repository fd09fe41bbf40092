package session

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/doubleratchet"
	redisSvc "e2e_relay/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(redisSvc.NewRedis(rdb), model.Address{UserID: "alice", DeviceID: 1}),
		"bolt":   bs,
	}
}

func testRecord(t *testing.T) *Record {
	t.Helper()
	spk, err := dh.NewKeyPair()
	require.NoError(t, err)
	st := doubleratchet.NewSender(bytes.Repeat([]byte{1}, 32), spk.Public)
	_, _, err = st.Encrypt([]byte("advance the chain"))
	require.NoError(t, err)

	otk := uint32(9)
	return &Record{
		RemoteRegistrationID: 4242,
		RemoteIdentity:       spk.Public,
		BaseKey:              spk.Public,
		Pending: &model.PreKeyMessage{
			RegistrationID: 1,
			SignedPreKeyID: 3,
			PreKeyID:       &otk,
		},
		State: st,
		Previous: []Archived{{
			BaseKey: spk.Public,
			State:   doubleratchet.NewReceiver(bytes.Repeat([]byte{2}, 32), spk),
		}},
	}
}

func TestStores(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bob1 := model.Address{UserID: "bob", DeviceID: 1}
			bob7 := model.Address{UserID: "bob", DeviceID: 7}

			_, err := store.LoadSession(ctx, bob1)
			assert.ErrorIs(t, err, ErrNotFound)
			ids, err := store.ListDeviceIDs(ctx, "bob")
			require.NoError(t, err)
			assert.Empty(t, ids)

			rec := testRecord(t)
			require.NoError(t, store.StoreSession(ctx, bob7, rec))
			require.NoError(t, store.StoreSession(ctx, bob1, rec))

			got, err := store.LoadSession(ctx, bob7)
			require.NoError(t, err)
			assert.Equal(t, rec.RemoteRegistrationID, got.RemoteRegistrationID)
			assert.Equal(t, rec.BaseKey, got.BaseKey)
			assert.Equal(t, rec.Pending, got.Pending)
			assert.Equal(t, rec.State.RootKey, got.State.RootKey)
			assert.Equal(t, rec.State.DHs, got.State.DHs)
			assert.Equal(t, rec.State.Ns, got.State.Ns)
			require.Len(t, got.Previous, 1)
			assert.Equal(t, rec.Previous[0].BaseKey, got.Previous[0].BaseKey)
			assert.Equal(t, rec.Previous[0].State.DHs, got.Previous[0].State.DHs)

			ids, err = store.ListDeviceIDs(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, []uint32{1, 7}, ids)

			// loaded records are copies
			got.RemoteRegistrationID = 1
			again, err := store.LoadSession(ctx, bob7)
			require.NoError(t, err)
			assert.Equal(t, uint32(4242), again.RemoteRegistrationID)

			require.NoError(t, store.DeleteSession(ctx, bob1))
			require.NoError(t, store.DeleteSession(ctx, model.Address{UserID: "carol", DeviceID: 1}))
			ids, err = store.ListDeviceIDs(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, []uint32{7}, ids)
		})
	}
}

func TestStoresKeys(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.LoadIdentity(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			kp, err := dh.NewKeyPair()
			require.NoError(t, err)
			id := &model.Identity{RegistrationID: 77, DHKey: kp, SigningPublic: []byte{1, 2}, SigningPrivate: []byte{3, 4}}
			require.NoError(t, store.StoreIdentity(ctx, id))
			gotID, err := store.LoadIdentity(ctx)
			require.NoError(t, err)
			assert.Equal(t, id, gotID)

			spk := &model.SignedPreKeyRecord{ID: 3, Key: kp, Signature: []byte("sig")}
			require.NoError(t, store.StoreSignedPreKey(ctx, spk))
			gotSPK, err := store.LoadSignedPreKey(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, spk.Key, gotSPK.Key)
			assert.Equal(t, spk.Signature, gotSPK.Signature)
			_, err = store.LoadSignedPreKey(ctx, 4)
			assert.ErrorIs(t, err, ErrNotFound)

			pk := &model.PreKeyRecord{ID: 11, Key: kp}
			require.NoError(t, store.StorePreKey(ctx, pk))
			gotPK, err := store.LoadPreKey(ctx, 11)
			require.NoError(t, err)
			assert.Equal(t, pk, gotPK)
			require.NoError(t, store.RemovePreKey(ctx, 11))
			_, err = store.LoadPreKey(ctx, 11)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
