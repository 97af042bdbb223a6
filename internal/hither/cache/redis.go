package cache

import (
	"context"
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/hither/job"
)

// RedisBackend keeps the most recent document for each hash in a single-element list.
type RedisBackend struct {
	db         redis.UniversalClient
	collection string
}

func NewRedisBackend(cfg job.CacheConfig) (*RedisBackend, error) {
	var options *redis.Options
	if strings.Contains(cfg.URL, "://") {
		var err error
		if options, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, errors.Wrap(err, "parsing redis cache url")
		}
	} else {
		options = &redis.Options{Addr: cfg.URL}
	}
	if options.Password == "" {
		options.Password = cfg.Password
	}
	return NewRedisBackendFromClient(redis.NewClient(options), cfg.Collection), nil
}

func NewRedisBackendFromClient(db redis.UniversalClient, collection string) *RedisBackend {
	return &RedisBackend{db: db, collection: collection}
}

func (b *RedisBackend) key(name string, hash string) string {
	return b.collection + ":" + name + ":" + hash
}

func (b *RedisBackend) InsertOne(_ context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	key := b.key(doc.Name, doc.Hash)
	pipe := b.db.TxPipeline()
	pipe.LPush(key, data)
	pipe.LTrim(key, 0, 0)
	_, err = pipe.Exec()
	return errors.Wrap(err, "inserting into redis cache")
}

func (b *RedisBackend) FindOne(_ context.Context, query Query) (*Document, error) {
	data, err := b.db.LIndex(b.key(query.Name, query.Hash), 0).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading from redis cache")
	}
	return decodeDocument(data)
}

func (b *RedisBackend) Close() error {
	return b.db.Close()
}
