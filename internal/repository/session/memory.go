package session

import (
	"context"
	"slices"
	"sync"

	"e2e_relay/internal/model"
)

// MemoryStore keeps everything in process. Values are held encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu            sync.Mutex
	identity      []byte
	sessions      map[string]map[uint32][]byte
	signedPreKeys map[uint32][]byte
	preKeys       map[uint32][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]map[uint32][]byte),
		signedPreKeys: make(map[uint32][]byte),
		preKeys:       make(map[uint32][]byte),
	}
}

func (s *MemoryStore) LoadSession(_ context.Context, addr model.Address) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.sessions[addr.UserID][addr.DeviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshal[Record](b)
}

func (s *MemoryStore) StoreSession(_ context.Context, addr model.Address, rec *Record) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.sessions[addr.UserID]
	if !ok {
		devices = make(map[uint32][]byte)
		s.sessions[addr.UserID] = devices
	}
	devices[addr.DeviceID] = b
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, addr model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions[addr.UserID], addr.DeviceID)
	if len(s.sessions[addr.UserID]) == 0 {
		delete(s.sessions, addr.UserID)
	}
	return nil
}

func (s *MemoryStore) ListDeviceIDs(_ context.Context, userID string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint32, 0, len(s.sessions[userID]))
	for id := range s.sessions[userID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) LoadIdentity(context.Context) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return nil, ErrNotFound
	}
	return unmarshal[model.Identity](s.identity)
}

func (s *MemoryStore) StoreIdentity(_ context.Context, id *model.Identity) error {
	b, err := marshal(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadSignedPreKey(_ context.Context, id uint32) (*model.SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.signedPreKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshal[model.SignedPreKeyRecord](b)
}

func (s *MemoryStore) StoreSignedPreKey(_ context.Context, rec *model.SignedPreKeyRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.signedPreKeys[rec.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadPreKey(_ context.Context, id uint32) (*model.PreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.preKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshal[model.PreKeyRecord](b)
}

func (s *MemoryStore) StorePreKey(_ context.Context, rec *model.PreKeyRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.preKeys[rec.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePreKey(_ context.Context, id uint32) error {
	s.mu.Lock()
	delete(s.preKeys, id)
	s.mu.Unlock()
	return nil
}
