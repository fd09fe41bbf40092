package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"e2e_relay/internal/model"

	bolt "go.etcd.io/bbolt"
)

const (
	identityBucket      = "identity"
	signedPreKeysBucket = "signed_prekeys"
	preKeysBucket       = "prekeys"
	sessionsBucket      = "sessions"
)

var identityKey = []byte("local")

// BoltStore persists the store in a bbolt file. Sessions live in one nested
// bucket per remote user, keyed by big-endian device id.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{identityBucket, signedPreKeysBucket, preKeysBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("session: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) put(bucket string, key []byte, v any) error {
	b, err := marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, b)
	})
}

func (s *BoltStore) LoadSession(_ context.Context, addr model.Address) (*Record, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(addr.UserID))
		if user == nil {
			return ErrNotFound
		}
		v := user.Get(idKey(addr.DeviceID))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unmarshal[Record](out)
}

func (s *BoltStore) StoreSession(_ context.Context, addr model.Address, rec *Record) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		user, err := tx.Bucket([]byte(sessionsBucket)).CreateBucketIfNotExists([]byte(addr.UserID))
		if err != nil {
			return err
		}
		return user.Put(idKey(addr.DeviceID), b)
	})
}

func (s *BoltStore) DeleteSession(_ context.Context, addr model.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		user := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(addr.UserID))
		if user == nil {
			return nil
		}
		return user.Delete(idKey(addr.DeviceID))
	})
}

func (s *BoltStore) ListDeviceIDs(_ context.Context, userID string) ([]uint32, error) {
	var ids []uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		// big-endian keys iterate in numeric order
		return user.ForEach(func(k, _ []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("session: bad device key %x", k)
			}
			ids = append(ids, binary.BigEndian.Uint32(k))
			return nil
		})
	})
	if ids == nil {
		ids = []uint32{}
	}
	return ids, err
}

func (s *BoltStore) LoadIdentity(context.Context) (*model.Identity, error) {
	b, err := s.get(identityBucket, identityKey)
	if err != nil {
		return nil, err
	}
	return unmarshal[model.Identity](b)
}

func (s *BoltStore) StoreIdentity(_ context.Context, id *model.Identity) error {
	return s.put(identityBucket, identityKey, id)
}

func (s *BoltStore) LoadSignedPreKey(_ context.Context, id uint32) (*model.SignedPreKeyRecord, error) {
	b, err := s.get(signedPreKeysBucket, idKey(id))
	if err != nil {
		return nil, err
	}
	return unmarshal[model.SignedPreKeyRecord](b)
}

func (s *BoltStore) StoreSignedPreKey(_ context.Context, rec *model.SignedPreKeyRecord) error {
	return s.put(signedPreKeysBucket, idKey(rec.ID), rec)
}

func (s *BoltStore) LoadPreKey(_ context.Context, id uint32) (*model.PreKeyRecord, error) {
	b, err := s.get(preKeysBucket, idKey(id))
	if err != nil {
		return nil, err
	}
	return unmarshal[model.PreKeyRecord](b)
}

func (s *BoltStore) StorePreKey(_ context.Context, rec *model.PreKeyRecord) error {
	return s.put(preKeysBucket, idKey(rec.ID), rec)
}

func (s *BoltStore) RemovePreKey(_ context.Context, id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(preKeysBucket)).Delete(idKey(id))
	})
}
