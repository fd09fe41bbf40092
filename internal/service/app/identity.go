package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/signature"
	"e2e_relay/internal/model"
	"e2e_relay/internal/repository/session"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	PreKeyCount = 100

	signedPreKeyID = 1
	firstPreKeyID  = 1
	// Registration ids are 14 bit, never 0.
	maxRegistrationID = 16380
)

// Publisher uploads the public half of this device's keys.
// keyservice.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, deviceID uint32, keys *model.DeviceKeys) error
}

// EnsureIdentity returns the device identity from store, creating and
// publishing a new one on first start. The identity is stored last, so a
// failed publish is retried on the next start.
func EnsureIdentity(ctx context.Context, store session.Store, deviceID uint32, pub Publisher) (*model.Identity, error) {
	id, err := store.LoadIdentity(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	ik, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := signature.NewKeypair()
	if err != nil {
		return nil, err
	}
	id = &model.Identity{
		RegistrationID: rand.Uint32N(maxRegistrationID) + 1,
		DHKey:          ik,
		SigningPublic:  sigPub,
		SigningPrivate: sigPriv,
	}

	spk, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	spkRec := &model.SignedPreKeyRecord{
		ID:        signedPreKeyID,
		Key:       spk,
		Signature: signature.Sign(sigPriv, spk.Public[:]),
		CreatedAt: time.Now(),
	}
	if err := store.StoreSignedPreKey(ctx, spkRec); err != nil {
		return nil, err
	}

	keys := &model.DeviceKeys{
		RegistrationID: id.RegistrationID,
		IdentityKey:    ik.Public,
		SigningKey:     sigPub,
		SignedPreKey: model.SignedPreKey{
			ID:        spkRec.ID,
			PublicKey: spk.Public,
			Signature: spkRec.Signature,
		},
		PreKeys: make([]model.PreKey, 0, PreKeyCount),
	}
	for i := range uint32(PreKeyCount) {
		kp, err := dh.NewKeyPair()
		if err != nil {
			return nil, err
		}
		rec := &model.PreKeyRecord{ID: firstPreKeyID + i, Key: kp}
		if err := store.StorePreKey(ctx, rec); err != nil {
			return nil, err
		}
		keys.PreKeys = append(keys.PreKeys, model.PreKey{ID: rec.ID, PublicKey: kp.Public})
	}

	if err := pub.Publish(ctx, deviceID, keys); err != nil {
		return nil, fmt.Errorf("publishing device keys: %w", err)
	}
	if err := store.StoreIdentity(ctx, id); err != nil {
		return nil, err
	}

	log.Info("created device identity", zap.Uint32("deviceID", deviceID), zap.Uint32("registrationID", id.RegistrationID))
	return id, nil
}
