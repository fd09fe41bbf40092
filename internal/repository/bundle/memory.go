package bundle

import (
	"context"
	"slices"
	"sync"

	"e2e_relay/internal/model"
)

type MemoryRepo struct {
	mu    sync.Mutex
	users map[string]map[uint32]*model.DeviceKeys
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		users: make(map[string]map[uint32]*model.DeviceKeys),
	}
}

func (r *MemoryRepo) Publish(_ context.Context, userID string, deviceID uint32, keys *model.DeviceKeys) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.users[userID]
	if !ok {
		devices = make(map[uint32]*model.DeviceKeys)
		r.users[userID] = devices
	}
	k := *keys
	k.PreKeys = slices.Clone(keys.PreKeys)
	devices[deviceID] = &k
	return nil
}

func (r *MemoryRepo) Take(_ context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.users[userID]
	if len(deviceIDs) == 0 {
		if len(devices) == 0 {
			return nil, ErrNotFound
		}
		deviceIDs = sortedIDs(devices)
	}

	var res []model.PreKeyBundle
	for _, id := range deviceIDs {
		k, ok := devices[id]
		if !ok {
			continue
		}

		b := model.PreKeyBundle{
			UserID:         userID,
			DeviceID:       id,
			RegistrationID: k.RegistrationID,
			IdentityKey:    k.IdentityKey,
			SigningKey:     k.SigningKey,
			SignedPreKey:   k.SignedPreKey,
		}
		if len(k.PreKeys) > 0 {
			pk := k.PreKeys[0]
			b.PreKey = &pk
			k.PreKeys = k.PreKeys[1:]
		}
		res = append(res, b)
	}
	return res, nil
}

func (r *MemoryRepo) Devices(_ context.Context, userID string) ([]model.DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.users[userID]
	if len(devices) == 0 {
		return nil, ErrNotFound
	}

	res := make([]model.DeviceInfo, 0, len(devices))
	for _, id := range sortedIDs(devices) {
		res = append(res, model.DeviceInfo{ID: id, RegistrationID: devices[id].RegistrationID})
	}
	return res, nil
}

func sortedIDs(devices map[uint32]*model.DeviceKeys) []uint32 {
	ids := make([]uint32, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
