package docstore_test

import (
	"testing"

	"github.com/chess-club/federation-api/internal/adapters/contracttest"
	fsdocstore "github.com/chess-club/federation-api/internal/adapters/filesystem/docstore"
	docstoreport "github.com/chess-club/federation-api/internal/ports/out/docstore"
)

func TestDocStoreContract(t *testing.T) {
	contracttest.RunDocStore(t, func(t *testing.T, policy docstoreport.Policy) (docstoreport.Store, contracttest.CleanupFunc) {
		s, err := fsdocstore.New(t.TempDir(), policy)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s, nil
	})
}
