package memory

import (
	"testing"

	"evercent/internal/storage"
	"evercent/internal/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return New() })
}
