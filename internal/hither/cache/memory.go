package cache

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps documents for the lifetime of the process.
type MemoryBackend struct {
	collection string
	documents  *gocache.Cache
}

func NewMemoryBackend(collection string) *MemoryBackend {
	return &MemoryBackend{collection: collection, documents: gocache.New(gocache.NoExpiration, 0)}
}

func (b *MemoryBackend) key(name string, hash string) string {
	return b.collection + ":" + name + ":" + hash
}

func (b *MemoryBackend) InsertOne(_ context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	b.documents.Set(b.key(doc.Name, doc.Hash), data, gocache.NoExpiration)
	return nil
}

func (b *MemoryBackend) FindOne(_ context.Context, query Query) (*Document, error) {
	data, ok := b.documents.Get(b.key(query.Name, query.Hash))
	if !ok {
		return nil, nil
	}
	return decodeDocument(data.([]byte))
}

func (b *MemoryBackend) Close() error {
	return nil
}
