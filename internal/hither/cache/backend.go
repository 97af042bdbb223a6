package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/job"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
	BackendSqlite = "sqlite"

	defaultDatabase   = "hither"
	defaultCollection = "default"
	passwordVariable  = "${password}"
)

// Backend persists cache documents. FindOne returns the most recently inserted document matching
// the query, or nil if there is none.
type Backend interface {
	InsertOne(ctx context.Context, doc *Document) error
	FindOne(ctx context.Context, query Query) (*Document, error)
	Close() error
}

// ResolveConfig applies cfg on top of the named preset it refers to, fills in defaults and substitutes
// the password into the URL.
func ResolveConfig(cfg job.CacheConfig, presets map[string]job.CacheConfig) (job.CacheConfig, error) {
	resolved := job.CacheConfig{}
	if cfg.Preset != "" {
		preset, ok := presets[cfg.Preset]
		if !ok {
			return resolved, &hithererrors.ErrConfiguration{Name: "cache.preset", Value: cfg.Preset, Message: "no such cache preset"}
		}
		resolved = preset
	}
	resolved.Preset = cfg.Preset
	if cfg.Backend != "" {
		resolved.Backend = cfg.Backend
	}
	if cfg.URL != "" {
		resolved.URL = cfg.URL
	}
	if cfg.Database != "" {
		resolved.Database = cfg.Database
	}
	if cfg.Collection != "" {
		resolved.Collection = cfg.Collection
	}
	if cfg.Password != "" {
		resolved.Password = cfg.Password
	}
	if cfg.Path != "" {
		resolved.Path = cfg.Path
	}

	if resolved.Backend == "" {
		resolved.Backend = inferBackend(resolved)
	}
	if resolved.Database == "" {
		resolved.Database = defaultDatabase
	}
	if resolved.Collection == "" {
		resolved.Collection = defaultCollection
	}
	if strings.Contains(resolved.URL, passwordVariable) {
		if resolved.Password == "" {
			return resolved, &hithererrors.ErrConfiguration{Name: "cache.password", Message: "the cache url requires a password"}
		}
		resolved.URL = strings.ReplaceAll(resolved.URL, passwordVariable, resolved.Password)
	}

	switch resolved.Backend {
	case BackendMemory:
	case BackendRedis, BackendMongo:
		if resolved.URL == "" {
			return resolved, &hithererrors.ErrConfiguration{Name: "cache.url", Message: fmt.Sprintf("the %s cache backend requires a url", resolved.Backend)}
		}
	case BackendSqlite:
		if resolved.Path == "" {
			return resolved, &hithererrors.ErrConfiguration{Name: "cache.path", Message: "the sqlite cache backend requires a path"}
		}
	default:
		return resolved, &hithererrors.ErrConfiguration{Name: "cache.backend", Value: resolved.Backend, Message: "unknown cache backend"}
	}
	return resolved, nil
}

func inferBackend(cfg job.CacheConfig) string {
	switch {
	case strings.HasPrefix(cfg.URL, "mongodb://"), strings.HasPrefix(cfg.URL, "mongodb+srv://"):
		return BackendMongo
	case strings.HasPrefix(cfg.URL, "redis://"), strings.HasPrefix(cfg.URL, "rediss://"):
		return BackendRedis
	case cfg.Path != "":
		return BackendSqlite
	}
	return BackendMemory
}

// OpenBackend connects to the backend described by a resolved configuration.
func OpenBackend(ctx context.Context, cfg job.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryBackend(cfg.Collection), nil
	case BackendRedis:
		return NewRedisBackend(cfg)
	case BackendMongo:
		return NewMongoBackend(ctx, cfg)
	case BackendSqlite:
		return NewSqliteBackend(ctx, cfg)
	}
	return nil, &hithererrors.ErrConfiguration{Name: "cache.backend", Value: cfg.Backend, Message: "unknown cache backend"}
}

// backendKey identifies a connection. Configurations with equal keys share a backend.
func backendKey(cfg job.CacheConfig) string {
	return strings.Join([]string{cfg.Backend, cfg.URL, cfg.Path, cfg.Database, cfg.Collection}, "|")
}

func encodeDocument(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	return data, errors.Wrap(err, "encoding cache document")
}

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding cache document")
	}
	return &doc, nil
}
