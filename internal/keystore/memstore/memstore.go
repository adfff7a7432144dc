// Package memstore is an in-memory keystore.Store, used for local
// development and in tests that don't need a real Redis instance.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/justlark/notwithout.help/internal/keystore"
)

func init() {
	keystore.Register("memory", driver{})
}

type driver struct{}

func (driver) Open(config map[string]string) (keystore.Store, error) {
	return New(clock.New()), nil
}

type entry struct {
	value   string
	expires time.Time
}

// Store is a mutex-guarded in-memory implementation of keystore.Store.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]entry
}

// New returns a Store using the given clock, so tests can control TTL
// expiry deterministically via clock.NewFake().
func New(c clock.Clock) *Store {
	return &Store{clock: c, data: make(map[string]entry)}
}

func (s *Store) Put(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value, expires: s.clock.Now().Add(ttl)}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return "", keystore.ErrNotFound
	}
	if !e.expires.After(s.clock.Now()) {
		delete(s.data, key)
		return "", keystore.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Close() error {
	return nil
}
