package cipher

import (
	"context"
	"errors"
	"fmt"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/signature"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/doubleratchet"
	"e2e_relay/internal/protocol/x3dh"
	"e2e_relay/internal/repository/session"
)

var (
	ErrNoIdentity       = errors.New("cipher: local identity not set up")
	ErrInvalidSignature = errors.New("cipher: signed prekey signature mismatch")
	ErrNoKeyData        = errors.New("cipher: no key data for user")
	ErrNoSession        = errors.New("cipher: no session for device")
	ErrUnknownPreKey    = errors.New("cipher: unknown prekey")
)

func (s *Service) identity(ctx context.Context) (*model.Identity, error) {
	id, err := s.store.LoadIdentity(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoIdentity
	}
	return id, err
}

// initiate builds an outgoing session from a fetched bundle. Nothing is
// stored.
func initiate(id *model.Identity, b *model.PreKeyBundle) (*session.Record, error) {
	if !signature.Verify(b.SigningKey, b.SignedPreKey.PublicKey[:], b.SignedPreKey.Signature) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, b.Address())
	}

	ephemeral, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}

	keys := &model.SenderKeyBundle{
		IdentityPriv:  id.DHKey.Private,
		EphemeralPriv: ephemeral.Private,
		IdentityPub:   b.IdentityKey,
		SignedPreKey:  b.SignedPreKey.PublicKey,
	}
	pending := &model.PreKeyMessage{
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.DHKey.Public,
		BaseKey:        ephemeral.Public,
		SignedPreKeyID: b.SignedPreKey.ID,
	}
	if b.PreKey != nil {
		otk := b.PreKey.PublicKey
		keys.OneTimeKey = &otk
		preKeyID := b.PreKey.ID
		pending.PreKeyID = &preKeyID
	}

	sharedKey, err := x3dh.SenderSharedKey(keys)
	if err != nil {
		return nil, fmt.Errorf("cipher: x3dh with %s: %w", b.Address(), err)
	}

	return &session.Record{
		RemoteRegistrationID: b.RegistrationID,
		RemoteIdentity:       b.IdentityKey,
		BaseKey:              ephemeral.Public,
		Pending:              pending,
		State:                doubleratchet.NewSender(sharedKey, b.SignedPreKey.PublicKey),
	}, nil
}

// accept builds an incoming session from the X3DH part of a prekey message.
// The one-time prekey it used is returned so the caller can remove it once
// the first message has decrypted.
func (s *Service) accept(ctx context.Context, id *model.Identity, m *model.PreKeyMessage) (*session.Record, error) {
	spk, err := s.store.LoadSignedPreKey(ctx, m.SignedPreKeyID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrUnknownPreKey, m.SignedPreKeyID)
	}
	if err != nil {
		return nil, err
	}

	keys := &model.ReceiverKeyBundle{
		IdentityPub:      m.IdentityKey,
		EphemeralPub:     m.BaseKey,
		IdentityPriv:     id.DHKey.Private,
		SignedPreKeyPriv: spk.Key.Private,
	}
	if m.PreKeyID != nil {
		otk, err := s.store.LoadPreKey(ctx, *m.PreKeyID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: prekey %d", ErrUnknownPreKey, *m.PreKeyID)
		}
		if err != nil {
			return nil, err
		}
		keys.OneTimeKeyPriv = &otk.Key.Private
	}

	sharedKey, err := x3dh.ReceiverSharedKey(keys)
	if err != nil {
		return nil, err
	}

	return &session.Record{
		RemoteRegistrationID: m.RegistrationID,
		RemoteIdentity:       m.IdentityKey,
		BaseKey:              m.BaseKey,
		State:                doubleratchet.NewReceiver(sharedKey, spk.Key),
	}, nil
}

func (s *Service) fetchBundles(ctx context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error) {
	bundles, err := s.keys.FetchPreKeyBundles(ctx, userID, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("cipher: fetch prekey bundles for %s: %w", userID, err)
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoKeyData, userID)
	}
	return bundles, nil
}

// addNewBundles fetches bundles and builds a session for each. Either every
// session is stored or none is.
func (s *Service) addNewBundles(ctx context.Context, userID string, deviceIDs []uint32) (map[uint32]*session.Record, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}
	bundles, err := s.fetchBundles(ctx, userID, deviceIDs)
	if err != nil {
		return nil, err
	}

	records := make(map[uint32]*session.Record, len(bundles))
	for i := range bundles {
		b := &bundles[i]
		if b.UserID != "" && b.UserID != userID {
			return nil, fmt.Errorf("cipher: bundle for %s returned for user %s", b.Address(), userID)
		}
		rec, err := initiate(id, b)
		if err != nil {
			return nil, err
		}
		records[b.DeviceID] = rec
	}

	for deviceID, rec := range records {
		addr := model.Address{UserID: userID, DeviceID: deviceID}
		if err := s.store.StoreSession(ctx, addr, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}
