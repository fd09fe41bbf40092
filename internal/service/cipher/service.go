package cipher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"e2e_relay/internal/instrument"
	"e2e_relay/internal/model"
	"e2e_relay/internal/repository/session"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

// QueueSize bounds the work waiting for the worker.
const QueueSize = 20

var ErrShutdown = errors.New("cipher: service shut down")

type (
	KeyService interface {
		// FetchPreKeyBundles returns bundles for deviceIDs of userID, or for
		// all of its devices when deviceIDs is empty.
		FetchPreKeyBundles(ctx context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error)
	}

	// Tag travels with an encryption request to its result.
	Tag struct {
		MessageID string
		// Connection is the relay connection tag the message was meant for.
		Connection uint32
	}

	EncryptionResult struct {
		UserID   string
		Tag      Tag
		Messages []model.DeviceMessage
		Err      error
	}

	DecryptionResult struct {
		From      model.Address
		MessageID string
		Plaintext []byte
		Err       error
	}

	DeviceUpdateResult struct {
		UserID string
		Err    error
	}

	work interface {
		work()
	}

	encryptWork struct {
		userID    string
		plaintext []byte
		tag       Tag
	}

	decryptWork struct {
		from    model.Address
		message model.EncryptedMessage
	}

	updateDevicesWork struct {
		userID   string
		mismatch model.DeviceMismatch
	}

	updateSelfDevicesWork struct {
		devices []model.DeviceInfo
	}

	addSelfDeviceWork struct {
		device model.DeviceInfo
	}
)

func (encryptWork) work()           {}
func (decryptWork) work()           {}
func (updateDevicesWork) work()     {}
func (updateSelfDevicesWork) work() {}
func (addSelfDeviceWork) work()     {}

// Service owns the ratchet sessions. All session reads and writes happen on
// the goroutine running Run, one work item at a time in submission order.
type Service struct {
	self  model.Address
	store session.Store
	keys  KeyService

	queue   chan work
	quit    chan struct{}
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool

	encryption   *broadcaster[EncryptionResult]
	decryption   *broadcaster[DecryptionResult]
	deviceUpdate *broadcaster[DeviceUpdateResult]
}

func NewService(self model.Address, store session.Store, keys KeyService) *Service {
	return &Service{
		self:         self,
		store:        store,
		keys:         keys,
		queue:        make(chan work, QueueSize),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		encryption:   newBroadcaster[EncryptionResult](),
		decryption:   newBroadcaster[DecryptionResult](),
		deviceUpdate: newBroadcaster[DeviceUpdateResult](),
	}
}

func (s *Service) SubscribeEncryption() (<-chan EncryptionResult, func()) {
	return s.encryption.Subscribe()
}

func (s *Service) SubscribeDecryption() (<-chan DecryptionResult, func()) {
	return s.decryption.Subscribe()
}

func (s *Service) SubscribeDeviceUpdates() (<-chan DeviceUpdateResult, func()) {
	return s.deviceUpdate.Subscribe()
}

// Done is closed once the worker has exited.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

func (s *Service) enqueue(ctx context.Context, w work) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrShutdown
	}
	select {
	case s.queue <- w:
		return nil
	case <-s.stopped:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Encrypt queues plaintext for every device of userID. The result is
// published on the encryption stream with tag.
func (s *Service) Encrypt(ctx context.Context, userID string, plaintext []byte, tag Tag) error {
	return s.enqueue(ctx, encryptWork{userID: userID, plaintext: plaintext, tag: tag})
}

func (s *Service) Decrypt(ctx context.Context, from model.Address, msg model.EncryptedMessage) error {
	return s.enqueue(ctx, decryptWork{from: from, message: msg})
}

// UpdateDevices deletes the sessions of removed and stale devices and builds
// new ones for stale and missing devices.
func (s *Service) UpdateDevices(ctx context.Context, userID string, mismatch model.DeviceMismatch) error {
	return s.enqueue(ctx, updateDevicesWork{userID: userID, mismatch: mismatch})
}

// UpdateSelfDevices reconciles the sessions with our own other devices
// against the device list the server reports.
func (s *Service) UpdateSelfDevices(ctx context.Context, devices []model.DeviceInfo) error {
	return s.enqueue(ctx, updateSelfDevicesWork{devices: devices})
}

func (s *Service) AddSelfDevice(ctx context.Context, device model.DeviceInfo) error {
	return s.enqueue(ctx, addSelfDeviceWork{device: device})
}

// Shutdown stops accepting work. Work queued before it is still processed.
// It does not wait for Run, which may not have started yet.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
}

// Run processes work until Shutdown has been called and the queue is empty,
// or ctx is done. Work left in the queue then fails with ErrShutdown.
func (s *Service) Run(ctx context.Context) {
	defer s.stop()

	for {
		select {
		case w := <-s.queue:
			s.process(ctx, w)
		case <-s.quit:
			s.finish(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// finish processes what was queued before Shutdown. Nothing can be added
// once closed is set.
func (s *Service) finish(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case w := <-s.queue:
			s.process(ctx, w)
		default:
			log.Debug("cipher service shut down")
			return
		}
	}
}

func (s *Service) stop() {
	close(s.stopped)

	// No enqueue can be in flight once the write lock is held.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for drained := false; !drained; {
		select {
		case w := <-s.queue:
			s.fail(w, ErrShutdown)
		default:
			drained = true
		}
	}

	s.encryption.close()
	s.decryption.close()
	s.deviceUpdate.close()
}

func (s *Service) fail(w work, err error) {
	switch w := w.(type) {
	case encryptWork:
		s.encryption.publish(EncryptionResult{UserID: w.userID, Tag: w.tag, Err: err})
	case decryptWork:
		s.decryption.publish(DecryptionResult{From: w.from, MessageID: w.message.MessageID, Err: err})
	case updateDevicesWork:
		s.deviceUpdate.publish(DeviceUpdateResult{UserID: w.userID, Err: err})
	case updateSelfDevicesWork, addSelfDeviceWork:
		s.deviceUpdate.publish(DeviceUpdateResult{UserID: s.self.UserID, Err: err})
	}
}

func (s *Service) process(ctx context.Context, w work) {
	switch w := w.(type) {
	case encryptWork:
		messages, err := s.handleEncryption(ctx, w)
		instrument.CipherOperation("encrypt", err)
		if err != nil {
			log.Warn("encryption failed", zap.String("user", w.userID), zap.String("message_id", w.tag.MessageID), zap.Error(err))
		}
		s.encryption.publish(EncryptionResult{UserID: w.userID, Tag: w.tag, Messages: messages, Err: err})

	case decryptWork:
		plaintext, err := s.handleDecryption(ctx, w)
		instrument.CipherOperation("decrypt", err)
		if err != nil {
			log.Warn("decryption failed", zap.Stringer("from", w.from), zap.String("message_id", w.message.MessageID), zap.Error(err))
		}
		s.decryption.publish(DecryptionResult{From: w.from, MessageID: w.message.MessageID, Plaintext: plaintext, Err: err})

	case updateDevicesWork:
		err := s.applyDiff(ctx, w.userID, w.mismatch)
		instrument.CipherOperation("update_devices", err)
		s.deviceUpdate.publish(DeviceUpdateResult{UserID: w.userID, Err: err})

	case updateSelfDevicesWork:
		err := s.handleUpdateSelfDevices(ctx, w)
		instrument.CipherOperation("update_self_devices", err)
		s.deviceUpdate.publish(DeviceUpdateResult{UserID: s.self.UserID, Err: err})

	case addSelfDeviceWork:
		var err error
		if w.device.ID == s.self.DeviceID {
			err = fmt.Errorf("cipher: device %d is this device", w.device.ID)
		} else {
			err = s.applyDiff(ctx, s.self.UserID, model.DeviceMismatch{Missing: []uint32{w.device.ID}})
		}
		instrument.CipherOperation("add_self_device", err)
		s.deviceUpdate.publish(DeviceUpdateResult{UserID: s.self.UserID, Err: err})

	default:
		log.Error("unknown cipher work", zap.String("type", fmt.Sprintf("%T", w)))
	}
}

func (s *Service) handleEncryption(ctx context.Context, w encryptWork) ([]model.DeviceMessage, error) {
	deviceIDs, err := s.store.ListDeviceIDs(ctx, w.userID)
	if err != nil {
		return nil, err
	}

	records := make(map[uint32]*session.Record, len(deviceIDs))
	if len(deviceIDs) == 0 {
		// Nothing known yet. Otherwise we send to what we have and the relay
		// reports any mismatch.
		if records, err = s.addNewBundles(ctx, w.userID, nil); err != nil {
			return nil, err
		}
		for id := range records {
			deviceIDs = append(deviceIDs, id)
		}
		slices.Sort(deviceIDs)
	} else {
		for _, id := range deviceIDs {
			rec, err := s.store.LoadSession(ctx, model.Address{UserID: w.userID, DeviceID: id})
			if err != nil {
				return nil, err
			}
			records[id] = rec
		}
	}

	messages := make([]model.DeviceMessage, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		rec := records[id]
		header, ciphertext, err := rec.State.Encrypt(w.plaintext)
		if err != nil {
			return nil, fmt.Errorf("cipher: encrypt for %s:%d: %w", w.userID, id, err)
		}
		messages = append(messages, model.DeviceMessage{
			DeviceID:       id,
			RegistrationID: rec.RemoteRegistrationID,
			Payload: model.EncryptedPayload{
				PreKey:     rec.Pending,
				Header:     header,
				Ciphertext: ciphertext,
			},
		})
	}

	for _, id := range deviceIDs {
		if err := s.store.StoreSession(ctx, model.Address{UserID: w.userID, DeviceID: id}, records[id]); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (s *Service) handleDecryption(ctx context.Context, w decryptWork) ([]byte, error) {
	payload := w.message.Payload

	rec, err := s.store.LoadSession(ctx, w.from)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	fresh := false
	if payload.PreKey != nil && (rec == nil || !rec.HasBaseKey(payload.PreKey.BaseKey)) {
		id, err := s.identity(ctx)
		if err != nil {
			return nil, err
		}
		accepted, err := s.accept(ctx, id, payload.PreKey)
		if err != nil {
			return nil, err
		}
		// Both sides may have started a session at the same time. The one
		// we built stays archived for the peer's replies to it.
		if rec != nil {
			rec.Supersede(accepted)
		} else {
			rec = accepted
		}
		fresh = true
	}
	if rec == nil {
		return nil, fmt.Errorf("%w %s", ErrNoSession, w.from)
	}

	// Nothing is stored when decryption fails.
	plaintext, err := rec.Decrypt(payload.Header, payload.Ciphertext)
	if err != nil {
		return nil, err
	}

	if payload.PreKey == nil {
		// The peer has answered, it no longer needs our X3DH keys.
		rec.Pending = nil
	}
	if err := s.store.StoreSession(ctx, w.from, rec); err != nil {
		return nil, err
	}
	if fresh && payload.PreKey.PreKeyID != nil {
		if err := s.store.RemovePreKey(ctx, *payload.PreKey.PreKeyID); err != nil {
			log.Warn("remove used prekey failed", zap.Uint32("pre_key_id", *payload.PreKey.PreKeyID), zap.Error(err))
		}
	}
	return plaintext, nil
}

func (s *Service) handleUpdateSelfDevices(ctx context.Context, w updateSelfDevicesWork) error {
	current, err := s.store.ListDeviceIDs(ctx, s.self.UserID)
	if err != nil {
		return err
	}

	others := make([]model.DeviceInfo, 0, len(w.devices))
	for _, d := range w.devices {
		if d.ID != s.self.DeviceID {
			others = append(others, d)
		}
	}

	diff := model.DiffDevices(current, others, func(id uint32) uint32 {
		rec, err := s.store.LoadSession(ctx, model.Address{UserID: s.self.UserID, DeviceID: id})
		if err != nil {
			return 0
		}
		return rec.RemoteRegistrationID
	})
	return s.applyDiff(ctx, s.self.UserID, diff)
}

func (s *Service) applyDiff(ctx context.Context, userID string, diff model.DeviceMismatch) error {
	log.Debug("applying device diff",
		zap.String("user", userID),
		zap.Uint32s("stale", diff.Stale),
		zap.Uint32s("missing", diff.Missing),
		zap.Uint32s("removed", diff.Removed))

	for _, id := range union(diff.Removed, diff.Stale) {
		if err := s.store.DeleteSession(ctx, model.Address{UserID: userID, DeviceID: id}); err != nil {
			return err
		}
	}

	if toAdd := union(diff.Missing, diff.Stale); len(toAdd) > 0 {
		if _, err := s.addNewBundles(ctx, userID, toAdd); err != nil {
			return err
		}
	}
	return nil
}

func union(a, b []uint32) []uint32 {
	res := slices.Concat(a, b)
	slices.Sort(res)
	return slices.Compact(res)
}
