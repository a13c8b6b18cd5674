package secret

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"key_enclave/internal/model"
)

type (
	SecretRepo struct {
		collection *mongo.Collection
	}
)

func NewSecretRepo(db *mongo.Database, collection string) *SecretRepo {
	if collection == "" {
		collection = "enclave_store"
	}
	return &SecretRepo{
		collection: db.Collection(collection),
	}
}

// EnsureIndexes creates the unique key index and the TTL index on expiresAt.
func (r *SecretRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

func (r *SecretRepo) GetByKey(ctx context.Context, key string) (*model.StoredSecret, error) {
	filter := bson.M{
		"key": key,
	}

	var secret model.StoredSecret
	err := r.collection.FindOne(ctx, filter).Decode(&secret)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &secret, nil
}

func (r *SecretRepo) Upsert(ctx context.Context, secret *model.StoredSecret) error {
	filter := bson.M{"key": secret.Key}
	update := bson.M{"$set": secret}
	if secret.ExpiresAt == nil {
		update = bson.M{
			"$set":   bson.M{"key": secret.Key, "value": secret.Value},
			"$unset": bson.M{"expiresAt": ""},
		}
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *SecretRepo) Delete(ctx context.Context, key string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"key": key})
	return err
}

func (r *SecretRepo) Keys(ctx context.Context) ([]string, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"key": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var s model.StoredSecret
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		keys = append(keys, s.Key)
	}
	return keys, cur.Err()
}
