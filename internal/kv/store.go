// Package kv adapts go.etcd.io/bbolt (the teacher's storage engine) into
// the hierarchical key/value store of spec.md component A: Put/Get/Delete/
// List under a path prefix, compare-and-swap, TTL expiry and a watch
// notification fired after each write-through mutation. The registries in
// this repository do not subscribe to it.
//
// bbolt itself has no concept of watch or TTL; both are layered on top:
// watch is an eventbus-style fan-out fired after every successful mutating
// transaction, and TTL is enforced by a sweep goroutine on the same ticker
// idiom the teacher's Reconciler uses.
package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when Get targets a missing key.
	ErrNotFound = errors.New("kv: key not found")
	// ErrCASMismatch is returned when CompareAndSwap's expected value does
	// not match the stored value.
	ErrCASMismatch = errors.New("kv: compare-and-swap mismatch")
)

var rootBucket = []byte("kv")

// ttlSuffix marks the sibling key holding a value's expiry deadline.
const ttlSuffix = "\x00ttl"

// WatchEvent describes a single mutation observed on a watched prefix.
type WatchEvent struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is a bbolt-backed hierarchical key/value store.
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	watchers map[string][]chan WatchEvent

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Open opens (creating if absent) the bbolt file at path and starts the TTL
// sweep goroutine.
func Open(filePath string) (*Store, error) {
	db, err := bbolt.Open(filePath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", filePath, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: init bucket: %w", err)
	}

	s := &Store{
		db:        db,
		watchers:  make(map[string][]chan WatchEvent),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweepLoop(30 * time.Second)
	return s, nil
}

// Close stops the sweep loop, closes every open watch channel and closes
// the underlying bbolt database.
func (s *Store) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	s.mu.Lock()
	for prefix, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.watchers, prefix)
	}
	s.mu.Unlock()
	return s.db.Close()
}

func normalize(key string) string {
	return path.Clean("/" + key)
}

// Put writes value at key and notifies watchers of matching prefixes.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	key = normalize(key)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
		return b.Delete([]byte(key + ttlSuffix))
	})
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	s.notify(WatchEvent{Key: key, Value: value})
	return nil
}

// PutTTL writes value at key with an expiry; after ttl elapses the sweep
// loop removes it and fires a deleted WatchEvent.
func (s *Store) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	key = normalize(key)
	deadline := time.Now().Add(ttl)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
		return b.Put([]byte(key+ttlSuffix), encodeTime(deadline))
	})
	if err != nil {
		return fmt.Errorf("kv: put-ttl %s: %w", key, err)
	}
	s.notify(WatchEvent{Key: key, Value: value})
	return nil
}

// Get reads the value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	key = normalize(key)
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every key/value pair whose key has the given prefix,
// excluding internal TTL sidecar keys.
func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	prefix = normalize(prefix)
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			ks := string(k)
			if strings.HasSuffix(ks, ttlSuffix) {
				continue
			}
			out[ks] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, err)
	}
	return out, nil
}

// Delete removes key (and its TTL sidecar, if any).
func (s *Store) Delete(ctx context.Context, key string) error {
	key = normalize(key)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return b.Delete([]byte(key + ttlSuffix))
	})
	if err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	s.notify(WatchEvent{Key: key, Deleted: true})
	return nil
}

// DeletePrefix removes every key under prefix, e.g. a container's KV
// subtree.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = normalize(prefix)
	var deleted []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			deleted = append(deleted, string(k))
		}
		for _, k := range deleted {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: delete-prefix %s: %w", prefix, err)
	}
	for _, k := range deleted {
		if strings.HasSuffix(k, ttlSuffix) {
			continue
		}
		s.notify(WatchEvent{Key: k, Deleted: true})
	}
	return nil
}

// CompareAndSwap atomically replaces key's value with newValue iff the
// current value equals expected (nil expected means "must not exist").
// Concurrent CAS callers collapse onto a single increasing winner because
// the whole compare+put runs inside one bbolt write transaction.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) error {
	key = normalize(key)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		cur := b.Get([]byte(key))
		if !bytesEqual(cur, expected) {
			return ErrCASMismatch
		}
		return b.Put([]byte(key), newValue)
	})
	if err != nil {
		return err
	}
	s.notify(WatchEvent{Key: key, Value: newValue})
	return nil
}

func bytesEqual(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return string(a) == string(b)
}

// Watch subscribes to mutations under prefix; the returned channel is
// closed by Unwatch or Store.Close.
func (s *Store) Watch(prefix string) (<-chan WatchEvent, func()) {
	prefix = normalize(prefix)
	ch := make(chan WatchEvent, 32)

	s.mu.Lock()
	s.watchers[prefix] = append(s.watchers[prefix], ch)
	s.mu.Unlock()

	unwatch := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[prefix]
		for i, c := range list {
			if c == ch {
				s.watchers[prefix] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unwatch
}

func (s *Store) notify(ev WatchEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for prefix, chans := range s.watchers {
		if !strings.HasPrefix(ev.Key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// slow watcher; drop rather than block the writer.
			}
		}
	}
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now()
	var expired []string
	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !strings.HasSuffix(string(k), ttlSuffix) {
				continue
			}
			deadline, err := decodeTime(v)
			if err == nil && now.After(deadline) {
				expired = append(expired, strings.TrimSuffix(string(k), ttlSuffix))
			}
		}
		return nil
	})
	for _, key := range expired {
		s.Delete(context.Background(), key)
	}
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, fmt.Errorf("kv: malformed ttl value")
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))), nil
}
