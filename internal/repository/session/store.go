package session

import (
	"context"
	"errors"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/doubleratchet"
)

var ErrNotFound = errors.New("session: not found")

type (
	// Record is everything kept for one remote device.
	Record struct {
		RemoteRegistrationID uint32
		RemoteIdentity       model.PublicKey
		// BaseKey is the X3DH ephemeral key the session was built from.
		BaseKey model.PublicKey
		// Pending is attached to outgoing messages until the peer replies.
		Pending *model.PreKeyMessage
		State   *doubleratchet.State
		// Previous holds superseded sessions with this device, newest first.
		Previous []Archived
	}

	// Archived is a session replaced by a newer one. Messages the peer
	// encrypted before it saw the newer session still decrypt with it.
	Archived struct {
		BaseKey model.PublicKey
		Pending *model.PreKeyMessage
		State   *doubleratchet.State
	}

	// Store holds the local identity, our prekeys, and the ratchet sessions
	// with remote devices. Load methods return ErrNotFound for missing
	// entries. Returned values are copies; callers must store them back to
	// persist changes.
	Store interface {
		LoadSession(ctx context.Context, addr model.Address) (*Record, error)
		StoreSession(ctx context.Context, addr model.Address, rec *Record) error
		DeleteSession(ctx context.Context, addr model.Address) error
		// ListDeviceIDs returns the device ids of userID we hold sessions
		// for, in ascending order.
		ListDeviceIDs(ctx context.Context, userID string) ([]uint32, error)

		LoadIdentity(ctx context.Context) (*model.Identity, error)
		StoreIdentity(ctx context.Context, id *model.Identity) error

		LoadSignedPreKey(ctx context.Context, id uint32) (*model.SignedPreKeyRecord, error)
		StoreSignedPreKey(ctx context.Context, rec *model.SignedPreKeyRecord) error

		LoadPreKey(ctx context.Context, id uint32) (*model.PreKeyRecord, error)
		StorePreKey(ctx context.Context, rec *model.PreKeyRecord) error
		RemovePreKey(ctx context.Context, id uint32) error
	}
)
