package bundle

import (
	"context"
	"errors"

	"e2e_relay/internal/model"
)

var ErrNotFound = errors.New("bundle: user has no published devices")

// Repository stores the keys devices publish and hands out prekey bundles.
type Repository interface {
	Publish(ctx context.Context, userID string, deviceID uint32, keys *model.DeviceKeys) error
	// Take returns one bundle per requested device, or per published device
	// when deviceIDs is empty, consuming one one-time prekey from each.
	// Unknown device ids are skipped.
	Take(ctx context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error)
	// Devices lists the published devices of userID by ascending id.
	Devices(ctx context.Context, userID string) ([]model.DeviceInfo, error)
}
