package domain

import (
	"fmt"
	"time"
)

// FederationState is the affiliation status of a member with the national chess federation.
type FederationState string

const (
	FederationStateNotFederated FederationState = "NOT_FEDERATED"
	FederationStatePending      FederationState = "PENDING"
	FederationStateFederated    FederationState = "FEDERATED"
)

func (s FederationState) Valid() bool {
	switch s {
	case FederationStateNotFederated, FederationStatePending, FederationStateFederated:
		return true
	default:
		return false
	}
}

func ParseFederationState(s string) (FederationState, error) {
	st := FederationState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown federation state %q", s)
	}
	return st, nil
}

// FederationRecord is the domain view of a member's federation status and the
// references to the two stored identity-document images.
type FederationRecord struct {
	MemberID MemberID
	State    FederationState

	// AutoRenew is only honored while State is FEDERATED. It is kept while PENDING so
	// the preference survives approval, and cleared on revocation.
	AutoRenew bool

	// LastDocumentUpdate has date-only semantics; zero means no document was ever stored.
	LastDocumentUpdate time.Time

	// FrontImageRef and BackImageRef are both set or both empty.
	FrontImageRef string
	BackImageRef  string

	// Version is the optimistic-lock counter of the persisted record; zero means never persisted.
	Version   int64
	UpdatedAt time.Time
}

// NewFederationRecord returns the implicit record of a member that never initiated federation.
func NewFederationRecord(id MemberID) FederationRecord {
	return FederationRecord{MemberID: id, State: FederationStateNotFederated}
}

// EffectiveAutoRenew reports whether renewal should happen at the next cycle.
func (r FederationRecord) EffectiveAutoRenew() bool {
	return r.State == FederationStateFederated && r.AutoRenew
}

// HasDocuments reports whether an image pair is stored for the member.
func (r FederationRecord) HasDocuments() bool {
	return r.FrontImageRef != "" && r.BackImageRef != ""
}

// DocumentRef returns the reference of the requested side.
func (r FederationRecord) DocumentRef(side DocumentSide) string {
	if side == DocumentSideBack {
		return r.BackImageRef
	}
	return r.FrontImageRef
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
