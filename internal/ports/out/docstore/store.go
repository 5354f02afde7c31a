//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks

package docstore

import (
	"context"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
)

// Staged is a document written under a temporary name, not yet visible under its canonical name.
type Staged struct {
	MemberID domain.MemberID
	Side     domain.DocumentSide
	Ext      string
	// Key is the backend-specific temporary location.
	Key  string
	Size int64
}

// Move records a rename performed while publishing so it can be undone.
type Move struct {
	From string
	To   string
}

// Publication is the result of publishing staged documents. Until Commit or Rollback is
// called the previous documents are kept aside as backups.
type Publication struct {
	MemberID domain.MemberID
	// Refs maps each published side to its new reference.
	Refs map[domain.DocumentSide]string
	// Backups are prior canonical documents moved aside (From=canonical, To=backup).
	Backups []Move
	// Published are staged documents moved into place (From=staging, To=canonical).
	Published []Move
}

// Ref returns the published reference of a side.
func (p Publication) Ref(side domain.DocumentSide) string {
	return p.Refs[side]
}

// Store persists identity-document images under a per-member namespace.
// It has no knowledge of federation state.
type Store interface {
	// Stage validates the upload against the store's policy and writes it under a temporary name.
	Stage(ctx context.Context, id domain.MemberID, side domain.DocumentSide, u domain.Upload) (Staged, error)

	// Publish moves every staged document to its canonical name, keeping the documents it
	// replaces as backups. On error nothing is left published and the staged files are kept
	// for the caller to Discard.
	Publish(ctx context.Context, staged ...Staged) (Publication, error)

	// Commit drops the backups of a publication, including stale files of other extensions.
	Commit(ctx context.Context, p Publication) error

	// Rollback restores the backups of a publication, removing the published documents.
	Rollback(ctx context.Context, p Publication) error

	// Discard removes staged documents. Missing files are not an error.
	Discard(ctx context.Context, staged ...Staged) error

	// Save stages, publishes and commits a single document and returns its reference.
	Save(ctx context.Context, id domain.MemberID, side domain.DocumentSide, u domain.Upload) (string, error)

	// Load returns the document bytes, or ErrNotFound.
	Load(ctx context.Context, ref string) ([]byte, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, ref string) error

	// SweepStaging removes temporary documents older than the cutoff and returns how many were removed.
	SweepStaging(ctx context.Context, olderThan time.Time) (int, error)
}
