package repository

import (
	"context"
	"errors"
	"fmt"

	"blocktalk/internal/models"
	"blocktalk/internal/service"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type conversationDoc struct {
	Key      string           `bson:"_id"`
	Messages []models.Message `bson:"messages"`
}

// MongoStore keeps one document per conversation.
type MongoStore struct {
	collection *mongo.Collection
}

var _ service.MessageStore = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("conversations"),
	}
}

func (r *MongoStore) LoadAll(ctx context.Context, key string) ([]models.Message, error) {
	var doc conversationDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

func (r *MongoStore) SaveAll(ctx context.Context, key string, messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	doc := conversationDoc{Key: key, Messages: messages}
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := r.collection.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		k, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected conversation id %v", v)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
