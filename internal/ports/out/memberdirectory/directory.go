//go:generate mockgen -source=directory.go -destination=mocks/mocks.go -package=mocks

package memberdirectory

import (
	"context"
	"errors"

	"github.com/chess-club/federation-api/internal/domain"
)

var (
	// ErrNotFound indicates no member is registered under the given email.
	ErrNotFound = errors.New("member not found")

	// ErrEmailAlreadyBound indicates the email already resolves to a different member.
	ErrEmailAlreadyBound = errors.New("email already bound to another member")
)

// Directory resolves member-facing identifiers to the stable member id.
// Membership registration itself lives outside this service.
type Directory interface {
	ResolveMemberID(ctx context.Context, email domain.Email) (domain.MemberID, error)
}
