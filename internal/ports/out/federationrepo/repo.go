//go:generate mockgen -source=repo.go -destination=mocks/mocks.go -package=mocks

package federationrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
)

// Record is the persistence shape of a member's federation record.
type Record struct {
	MemberID domain.MemberID
	State    domain.FederationState

	AutoRenew bool

	LastDocumentUpdate time.Time

	FrontImageRef string
	BackImageRef  string

	// Version is the optimistic-lock counter. Upsert expects the version the caller read
	// (zero for a record that does not exist yet) and stores Version+1.
	Version int64

	UpdatedAt time.Time
}

// Validate checks invariants every implementation enforces before writing.
func (r Record) Validate() error {
	if err := domain.ValidateMemberID(r.MemberID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: state %q", ErrInvalidRecord, r.State)
	}
	if (r.FrontImageRef == "") != (r.BackImageRef == "") {
		return fmt.Errorf("%w: image references must be set as a pair", ErrInvalidRecord)
	}
	if r.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrInvalidRecord)
	}
	return nil
}

// Repository persists one federation record per member.
//
// Result ordering expectations:
// - List returns records ordered by MemberID ascending.
type Repository interface {
	// Get returns the record for the member, or ErrNotFound.
	Get(ctx context.Context, id domain.MemberID) (Record, error)

	// Upsert writes rec if the stored version equals rec.Version (absent counts as zero).
	// It returns the stored record (Version incremented) or ErrConflict.
	Upsert(ctx context.Context, rec Record) (Record, error)

	List(ctx context.Context) ([]Record, error)

	// Lock claims the member for the caller until the returned unlock func runs.
	// The claim is visible to every process sharing the store. It blocks until the
	// claim is granted or ctx is done; a ctx that expires while waiting yields ErrLocked.
	Lock(ctx context.Context, id domain.MemberID) (unlock func(), err error)
}

func FromDomain(r domain.FederationRecord) Record {
	return Record{
		MemberID:           r.MemberID,
		State:              r.State,
		AutoRenew:          r.AutoRenew,
		LastDocumentUpdate: r.LastDocumentUpdate,
		FrontImageRef:      r.FrontImageRef,
		BackImageRef:       r.BackImageRef,
		Version:            r.Version,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (r Record) ToDomain() domain.FederationRecord {
	return domain.FederationRecord{
		MemberID:           r.MemberID,
		State:              r.State,
		AutoRenew:          r.AutoRenew,
		LastDocumentUpdate: r.LastDocumentUpdate,
		FrontImageRef:      r.FrontImageRef,
		BackImageRef:       r.BackImageRef,
		Version:            r.Version,
		UpdatedAt:          r.UpdatedAt,
	}
}
