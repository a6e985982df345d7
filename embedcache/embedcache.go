// CLAUDE:SUMMARY Badger-backed embedding cache keyed by a blake2b digest of model and text.
// Package embedcache memoizes embeddings in a Badger key-value store.
//
// Chat-time retrieval embeds the same frequent questions over and over; a
// hit skips the capability call entirely, so no usage is recorded for it.
package embedcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/vecmath"
)

// Open opens a Badger store at dir, or in memory when dir is empty.
func Open(dir string, logger *slog.Logger) (*badger.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("embedcache: open: %w", err)
	}
	return db, nil
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL expires cached vectors after d. Zero keeps them forever.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithNamespace separates vectors of different embedding models.
func WithNamespace(ns string) Option { return func(c *Cache) { c.namespace = ns } }

// WithLogger sets the logger for cache write failures.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// Cache is a capability.Embedder that consults Badger before inner.
type Cache struct {
	db        *badger.DB
	inner     capability.Embedder
	ttl       time.Duration
	namespace string
	logger    *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

var _ capability.Embedder = (*Cache)(nil)

// New wraps inner with a cache stored in db.
func New(db *badger.DB, inner capability.Embedder, opts ...Option) *Cache {
	c := &Cache{db: db, inner: inner, namespace: "default", logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Embed returns the cached vector for text or computes and stores it.
func (c *Cache) Embed(ctx context.Context, text string) (*capability.Embedding, error) {
	key, err := c.key(text)
	if err != nil {
		return c.inner.Embed(ctx, text)
	}

	if vec, ok := c.get(key); ok {
		c.hits.Add(1)
		return &capability.Embedding{Vector: vec}, nil
	}
	c.misses.Add(1)

	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.put(key, emb.Vector); err != nil {
		c.logger.Warn("embedcache: store", "error", err)
	}
	return emb, nil
}

// Stats returns hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) key(text string) ([]byte, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(c.namespace))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return []byte("emb/" + hex.EncodeToString(h.Sum(nil))), nil
}

func (c *Cache) get(key []byte) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := vecmath.Decode(val)
			vec = v
			return err
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("embedcache: read", "error", err)
		}
		return nil, false
	}
	return vec, len(vec) > 0
}

func (c *Cache) put(key []byte, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, vecmath.Encode(vec))
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}
