package bundle

import (
	"context"
	"errors"
	"fmt"

	"e2e_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	preKeyDocument struct {
		ID        uint32 `bson:"id"`
		PublicKey []byte `bson:"public_key"`
	}

	signedPreKeyDocument struct {
		ID        uint32 `bson:"id"`
		PublicKey []byte `bson:"public_key"`
		Signature []byte `bson:"signature"`
	}

	deviceDocument struct {
		UserID         string               `bson:"user_id"`
		DeviceID       uint32               `bson:"device_id"`
		RegistrationID uint32               `bson:"registration_id"`
		IdentityKey    []byte               `bson:"identity_key"`
		SigningKey     []byte               `bson:"signing_key"`
		SignedPreKey   signedPreKeyDocument `bson:"signed_pre_key"`
		PreKeys        []preKeyDocument     `bson:"pre_keys"`
	}

	MongoRepo struct {
		collection *mongo.Collection
	}
)

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		collection: db.Collection("devices"),
	}
}

// EnsureIndexes creates the unique (user, device) index.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func toDocument(userID string, deviceID uint32, keys *model.DeviceKeys) *deviceDocument {
	doc := &deviceDocument{
		UserID:         userID,
		DeviceID:       deviceID,
		RegistrationID: keys.RegistrationID,
		IdentityKey:    keys.IdentityKey[:],
		SigningKey:     keys.SigningKey,
		SignedPreKey: signedPreKeyDocument{
			ID:        keys.SignedPreKey.ID,
			PublicKey: keys.SignedPreKey.PublicKey[:],
			Signature: keys.SignedPreKey.Signature,
		},
		PreKeys: make([]preKeyDocument, 0, len(keys.PreKeys)),
	}
	for _, pk := range keys.PreKeys {
		doc.PreKeys = append(doc.PreKeys, preKeyDocument{ID: pk.ID, PublicKey: pk.PublicKey[:]})
	}
	return doc
}

func copyKey(dst *model.PublicKey, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("bundle: stored key has length %d", len(src))
	}
	copy(dst[:], src)
	return nil
}

// bundle converts a document as it was before its first prekey was popped.
func (d *deviceDocument) bundle() (model.PreKeyBundle, error) {
	b := model.PreKeyBundle{
		UserID:         d.UserID,
		DeviceID:       d.DeviceID,
		RegistrationID: d.RegistrationID,
		SigningKey:     d.SigningKey,
		SignedPreKey: model.SignedPreKey{
			ID:        d.SignedPreKey.ID,
			Signature: d.SignedPreKey.Signature,
		},
	}
	if err := copyKey(&b.IdentityKey, d.IdentityKey); err != nil {
		return b, err
	}
	if err := copyKey(&b.SignedPreKey.PublicKey, d.SignedPreKey.PublicKey); err != nil {
		return b, err
	}
	if len(d.PreKeys) > 0 {
		pk := &model.PreKey{ID: d.PreKeys[0].ID}
		if err := copyKey(&pk.PublicKey, d.PreKeys[0].PublicKey); err != nil {
			return b, err
		}
		b.PreKey = pk
	}
	return b, nil
}

func (r *MongoRepo) Publish(ctx context.Context, userID string, deviceID uint32, keys *model.DeviceKeys) error {
	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, toDocument(userID, deviceID, keys), options.Replace().SetUpsert(true))
	return err
}

func (r *MongoRepo) Take(ctx context.Context, userID string, deviceIDs []uint32) ([]model.PreKeyBundle, error) {
	if len(deviceIDs) == 0 {
		devices, err := r.Devices(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}

	// The returned document is the one before the update, so its first
	// prekey is the one just removed.
	pop := bson.M{"$pop": bson.M{"pre_keys": -1}}
	var res []model.PreKeyBundle
	for _, id := range deviceIDs {
		filter := bson.M{
			"user_id":   userID,
			"device_id": id,
		}

		var doc deviceDocument
		err := r.collection.FindOneAndUpdate(ctx, filter, pop).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, err
		}

		b, err := doc.bundle()
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func (r *MongoRepo) Devices(ctx context.Context, userID string) ([]model.DeviceInfo, error) {
	filter := bson.M{
		"user_id": userID,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "device_id", Value: 1}}).
		SetProjection(bson.M{"device_id": 1, "registration_id": 1})

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []deviceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}

	devices := make([]model.DeviceInfo, 0, len(docs))
	for _, d := range docs {
		devices = append(devices, model.DeviceInfo{ID: d.DeviceID, RegistrationID: d.RegistrationID})
	}
	return devices, nil
}
