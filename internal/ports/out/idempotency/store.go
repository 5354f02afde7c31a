package idempotency

import (
	"context"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
)

// Key is the caller-provided idempotency key (Idempotency-Key header).
type Key string

// Fingerprint identifies a document upload request for replay purposes.
//
// Strategy: key + member + route + body hash. Route is the HTTP method plus the
// route template (e.g. "POST /members/{email}/federation").
type Fingerprint struct {
	Key      Key
	Member   domain.Email
	Method   string
	Route    string
	BodyHash string
}

// Record is the stored response replayed for a duplicate upload.
type Record struct {
	StatusCode  int
	ContentType string
	Body        []byte
	CreatedAt   time.Time
}

// Store persists idempotency records so retried uploads do not re-run a transition.
type Store interface {
	Get(ctx context.Context, fp Fingerprint) (Record, bool, error)
	Put(ctx context.Context, fp Fingerprint, rec Record) error
}
