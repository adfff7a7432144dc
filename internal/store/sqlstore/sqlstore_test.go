package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justlark/notwithout.help/internal/store"
	"github.com/justlark/notwithout.help/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.RunTestSuite(t, func() store.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
