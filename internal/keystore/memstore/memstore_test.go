package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/justlark/notwithout.help/internal/keystore"
	"github.com/justlark/notwithout.help/internal/keystore/keystoretest"
)

func TestStore(t *testing.T) {
	keystoretest.RunTestSuite(t, New(clock.New()))
}

func TestExpiryUsesInjectedClock(t *testing.T) {
	fc := clock.NewFake()
	s := New(fc)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "v", time.Minute))

	fc.Add(30 * time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	fc.Add(31 * time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}
