// Package kv is the namespaced key-value store backing the simulator's KV
// API. Values live in a single bbolt file, one nested bucket per namespace.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — the store is always consistent even after a crash
//   - Single file (kv.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// Expiration is lazy: an expired entry is invisible to Get and List and is
// physically removed the next time a write transaction touches it.
package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cloudflare/miniflare-sub009/internal/clock"
)

var bucketNamespaces = []byte("namespaces") // root bucket holding one sub-bucket per namespace

var (
	// ErrNotFound means the key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")
)

// Store is a namespaced key-value store with optional per-key expiration.
type Store struct {
	db  *bbolt.DB
	clk clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the expiry time source (tests use a fake clock).
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// Open opens (or creates) the bbolt store at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNamespaces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: init bucket: %w", err)
	}

	s := &Store{db: db, clk: clock.System()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts key in namespace. expirationMs, when non-zero, is the UTC
// millisecond past which the entry is treated as gone.
func (s *Store) Put(namespace, key string, value []byte, expirationMs int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketNamespaces).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("kv: namespace %s: %w", namespace, err)
		}
		return b.Put([]byte(key), marshalValue(value, expirationMs))
	})
}

// Get retrieves key from namespace. Returns ErrNotFound for missing and
// expired entries alike.
func (s *Store) Get(namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, expirationMs, err := unmarshalValue(raw)
		if err != nil {
			return err
		}
		if s.expired(expirationMs) {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

// Delete removes key from namespace. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Key is one entry in a List result.
type Key struct {
	Name         string `json:"name"`
	ExpirationMs int64  `json:"expiration,omitempty"`
}

// List returns the live keys in namespace that start with prefix, in
// lexicographic order, at most limit of them (limit <= 0 means no cap).
// Expired entries encountered along the way are reaped in the same
// transaction.
func (s *Store) List(namespace, prefix string, limit int) ([]Key, error) {
	out := []Key{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		var reap [][]byte
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			_, expirationMs, err := unmarshalValue(v)
			if err != nil {
				return err
			}
			if s.expired(expirationMs) {
				reap = append(reap, append([]byte(nil), k...))
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, Key{Name: string(k), ExpirationMs: expirationMs})
		}
		for _, k := range reap {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) expired(expirationMs int64) bool {
	return expirationMs != 0 && s.clk.Now().UnixMilli() >= expirationMs
}

// ---- serialisation helpers -------------------------------------------------
// A value is stored as a compact binary structure:
//
//	[expiration : 8 bytes, int64 UTC ms; 0 = never]
//	[value      : rest of the buffer             ]

func marshalValue(value []byte, expirationMs int64) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[0:], uint64(expirationMs))
	copy(buf[8:], value)
	return buf
}

func unmarshalValue(buf []byte) (value []byte, expirationMs int64, err error) {
	if len(buf) < 8 {
		return nil, 0, fmt.Errorf("kv: value too short (%d bytes)", len(buf))
	}
	return buf[8:], int64(binary.BigEndian.Uint64(buf[0:])), nil
}
