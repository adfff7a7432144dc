// Package keystore implements the short-TTL key-value store backing
// ephemeral server keys and single-use challenge markers.
//
// The interface intentionally exposes only put/get/delete with a TTL; no
// transactional or cross-key consistency guarantee is required beyond
// read-after-write visibility within a short window.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or has expired.
var ErrNotFound = errors.New("keystore: not found")

// Store is the TTL key-value store interface. Implementations need not
// provide strong cross-region consistency; a short read-after-write window
// is sufficient.
type Store interface {
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Driver is the interface implemented by keystore backends, mirroring the
// store.Driver registry idiom used for the persistent store.
type Driver interface {
	Open(config map[string]string) (Store, error)
}

var drivers = make(map[string]Driver)

// Register makes a keystore driver available under name. Panics if name is
// already registered or driver is nil.
func Register(name string, driver Driver) {
	if driver == nil {
		panic("keystore: driver cannot be nil")
	}
	if _, ok := drivers[name]; ok {
		panic("keystore: driver " + name + " is already registered")
	}
	drivers[name] = driver
}

// Open returns a new Store using the named driver.
func Open(driverName string, config map[string]string) (Store, error) {
	driver, ok := drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("keystore: no driver of type %q found", driverName)
	}
	return driver.Open(config)
}

// EphemeralKeyNamespace returns the namespaced key under which an ephemeral
// server key's secret is stored.
func EphemeralKeyNamespace(serverKeyID string) string {
	return "key:" + serverKeyID
}

// ChallengeNamespace returns the namespaced key under which a challenge ID's
// unused-marker is stored. Presence means unused; deletion means consumed.
func ChallengeNamespace(challengeID string) string {
	return "challenge:" + challengeID
}
