package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/armadaproject/hither/internal/hither/job"
)

// SqliteBackend keeps documents in a single table of a local sqlite database.
type SqliteBackend struct {
	db         *sql.DB
	collection string
	// SQLite only allows one write at a time.
	writeLock sync.Mutex
}

func NewSqliteBackend(ctx context.Context, cfg job.CacheConfig) (*SqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite cache %s", cfg.Path)
	}
	b := &SqliteBackend{db: db, collection: cfg.Collection}
	if err := b.setup(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SqliteBackend) setup(ctx context.Context) error {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hither_results (
			Id INTEGER PRIMARY KEY AUTOINCREMENT,
			Collection TEXT,
			Name TEXT,
			Hash TEXT,
			Timestamp REAL,
			Document TEXT)`)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_hither_results_hash ON hither_results (Collection, Name, Hash)`)
	return errors.WithStack(err)
}

func (b *SqliteBackend) InsertOne(ctx context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	_, err = b.db.ExecContext(ctx,
		"INSERT INTO hither_results (Collection, Name, Hash, Timestamp, Document) VALUES (?, ?, ?, ?, ?)",
		b.collection, doc.Name, doc.Hash, float64(time.Now().UnixNano())/float64(time.Second), string(data))
	return errors.Wrap(err, "inserting into sqlite cache")
}

func (b *SqliteBackend) FindOne(ctx context.Context, query Query) (*Document, error) {
	sqlStmt := "SELECT Document FROM hither_results WHERE Collection = ? AND Name = ? AND Hash = ? ORDER BY Id DESC LIMIT 1"
	var data string
	err := b.db.QueryRowContext(ctx, sqlStmt, b.collection, query.Name, query.Hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading from sqlite cache")
	}
	return decodeDocument([]byte(data))
}

func (b *SqliteBackend) Close() error {
	return b.db.Close()
}
