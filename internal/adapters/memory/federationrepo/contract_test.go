package federationrepo

import (
	"testing"

	"github.com/chess-club/federation-api/internal/adapters/contracttest"
	federationrepoport "github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

func TestContract_FederationRepo(t *testing.T) {
	contracttest.RunFederationRepo(t, func(t *testing.T) (federationrepoport.Repository, func()) {
		t.Helper()
		return NewRepo(), nil
	})
}
