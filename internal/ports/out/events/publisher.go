package events

import (
	"context"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
)

// Transition describes a committed federation state change.
type Transition struct {
	ID         string                 `json:"id"`
	MemberID   domain.MemberID        `json:"memberId"`
	Operation  string                 `json:"operation"`
	From       domain.FederationState `json:"from"`
	To         domain.FederationState `json:"to"`
	AutoRenew  bool                   `json:"autoRenew"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// Publisher emits transition events after the record is committed.
// Delivery is best-effort from the lifecycle manager's point of view.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
}
