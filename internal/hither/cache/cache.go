// Package cache records job results under the hash of their hash object, so that a job declared again
// with the same inputs and parameters is not run again.
package cache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
)

type ResultCache struct {
	store   contentstore.Store
	presets map[string]job.CacheConfig

	mu       sync.Mutex
	backends map[string]Backend
}

func NewResultCache(store contentstore.Store, presets map[string]job.CacheConfig) *ResultCache {
	return &ResultCache{store: store, presets: presets, backends: map[string]Backend{}}
}

// WithBackend makes cfg resolve to backend instead of opening a new connection.
func (c *ResultCache) WithBackend(cfg job.CacheConfig, backend Backend) (*ResultCache, error) {
	resolved, err := ResolveConfig(cfg, c.presets)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[backendKey(resolved)] = backend
	return c, nil
}

func (c *ResultCache) backend(ctx context.Context, cfg job.CacheConfig) (Backend, error) {
	resolved, err := ResolveConfig(cfg, c.presets)
	if err != nil {
		return nil, err
	}
	key := backendKey(resolved)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[key]; ok {
		return b, nil
	}
	b, err := OpenBackend(ctx, resolved)
	if err != nil {
		return nil, &hithererrors.ErrFramework{Component: "cache", Message: err.Error()}
	}
	c.backends[key] = b
	return b, nil
}

// Lookup returns the cached result for j, or nil. Nothing is looked up for jobs without a cache or
// declared with force_run. A cached failure is returned only when j caches failures and does not
// raise on them.
func (c *ResultCache) Lookup(ctx context.Context, j *job.Job) (*job.Result, error) {
	if j.Cache == nil || j.ForceRun {
		return nil, nil
	}
	backend, err := c.backend(ctx, *j.Cache)
	if err != nil {
		return nil, err
	}
	hash, err := j.Hash()
	if err != nil {
		return nil, err
	}
	doc, err := backend.FindOne(ctx, Query{Name: ResultName, Hash: hash})
	if err != nil {
		return nil, &hithererrors.ErrFramework{Component: "cache", Message: err.Error()}
	}
	if doc == nil {
		metrics.RecordCacheOperation(metrics.CacheMiss)
		return nil, nil
	}
	result, err := doc.Result(c.store)
	if err != nil {
		return nil, err
	}
	if result == nil {
		metrics.RecordCacheOperation(metrics.CacheUnresolvable)
		return nil, nil
	}
	if !result.Success && (!j.CacheFailing || j.ExceptionOnFail) {
		log.Infof("===== Hither: not using failing cached result for %s", j.Label)
		metrics.RecordCacheOperation(metrics.CacheIgnoredFailure)
		return nil, nil
	}
	log.Infof("===== Hither: found result of %s in cache", j.Label)
	metrics.RecordCacheOperation(metrics.CacheHit)
	return result, nil
}

// Store records the result of a finished job. Failures are only recorded for jobs that cache them,
// and nothing is recorded for jobs declared with force_run.
func (c *ResultCache) Store(ctx context.Context, j *job.Job) error {
	if j.Cache == nil || j.ForceRun {
		return nil
	}
	if j.Status != job.StatusFinished && j.Status != job.StatusError {
		return nil
	}
	result, _ := j.Result()
	if !result.Success && !j.CacheFailing {
		return nil
	}
	backend, err := c.backend(ctx, *j.Cache)
	if err != nil {
		return err
	}
	doc, err := NewDocument(c.store, result)
	if err != nil {
		return err
	}
	if err := backend.InsertOne(ctx, doc); err != nil {
		return &hithererrors.ErrFramework{Component: "cache", Message: err.Error()}
	}
	metrics.RecordCacheOperation(metrics.CacheStored)
	return nil
}

// Get returns the most recent document cached under hash in the cache selected by cfg, or nil.
func (c *ResultCache) Get(ctx context.Context, cfg job.CacheConfig, hash string) (*Document, error) {
	backend, err := c.backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return backend.FindOne(ctx, Query{Name: ResultName, Hash: hash})
}

func (c *ResultCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result *multierror.Error
	for key, b := range c.backends {
		result = multierror.Append(result, b.Close())
		delete(c.backends, key)
	}
	return result.ErrorOrNil()
}
