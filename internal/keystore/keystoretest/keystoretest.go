// Package keystoretest provides conformance tests that every
// keystore.Store implementation must pass.
package keystoretest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justlark/notwithout.help/internal/keystore"
)

// RunTestSuite runs a set of conformance tests against a keystore.Store.
func RunTestSuite(t *testing.T, s keystore.Store) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, s) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
	t.Run("DeleteMissingIsNoop", func(t *testing.T) { testDeleteMissingIsNoop(t, s) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, s) })
}

func testPutGet(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k1", "v1", time.Hour))
	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", got)
}

func testGetMissing(t *testing.T, s keystore.Store) {
	_, err := s.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func testDelete(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k2", "v2", time.Hour))
	require.NoError(t, s.Delete(ctx, "k2"))
	_, err := s.Get(ctx, "k2")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func testDeleteMissingIsNoop(t *testing.T, s keystore.Store) {
	require.NoError(t, s.Delete(context.Background(), "never-existed"))
}

func testExpiry(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k3", "v3", time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err := s.Get(ctx, "k3")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}
