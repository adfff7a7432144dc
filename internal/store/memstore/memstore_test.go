package memstore

import (
	"testing"

	"github.com/justlark/notwithout.help/internal/store"
	"github.com/justlark/notwithout.help/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.RunTestSuite(t, func() store.Store {
		return New()
	})
}
