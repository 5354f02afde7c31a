package federationrepo

import "errors"

var (
	// ErrNotFound indicates no federation record exists for the member.
	ErrNotFound = errors.New("federation record not found")

	// ErrConflict indicates the stored record version does not match the expected version.
	ErrConflict = errors.New("federation record version conflict")

	// ErrLocked indicates another writer held the member's lock for the whole wait.
	ErrLocked = errors.New("federation record is locked by another writer")

	// ErrInvalidRecord indicates the record violates a persistence invariant.
	ErrInvalidRecord = errors.New("invalid federation record")
)
