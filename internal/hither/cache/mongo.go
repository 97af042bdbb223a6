package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/armadaproject/hither/internal/hither/job"
)

// MongoBackend stores each document as {time, message: {name, hash, json}} and finds the most recent one.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoMessage struct {
	Name string `bson:"name"`
	Hash string `bson:"hash"`
	JSON string `bson:"json"`
}

type mongoRecord struct {
	Time    float64      `bson:"time"`
	Message mongoMessage `bson:"message"`
}

func NewMongoBackend(ctx context.Context, cfg job.CacheConfig) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL).SetRetryWrites(false))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo cache")
	}
	return &MongoBackend{client: client, collection: client.Database(cfg.Database).Collection(cfg.Collection)}, nil
}

func (b *MongoBackend) InsertOne(ctx context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	record := mongoRecord{
		Time:    float64(time.Now().UnixNano()) / float64(time.Second),
		Message: mongoMessage{Name: doc.Name, Hash: doc.Hash, JSON: string(data)},
	}
	_, err = b.collection.InsertOne(ctx, record)
	return errors.Wrap(err, "inserting into mongo cache")
}

func (b *MongoBackend) FindOne(ctx context.Context, query Query) (*Document, error) {
	filter := bson.M{"message.name": query.Name, "message.hash": query.Hash}
	opts := options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}})
	var record mongoRecord
	err := b.collection.FindOne(ctx, filter, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading from mongo cache")
	}
	return decodeDocument([]byte(record.Message.JSON))
}

func (b *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
