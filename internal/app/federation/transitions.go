package federation

import "github.com/chess-club/federation-api/internal/domain"

// Operation names a lifecycle operation.
type Operation string

const (
	OpRegister        Operation = "register"
	OpConfirm         Operation = "confirm"
	OpApprove         Operation = "approve"
	OpRevoke          Operation = "revoke"
	OpToggleAutoRenew Operation = "toggleAutoRenew"
	OpUpdateDocuments Operation = "updateDocuments"
)

type edge struct {
	op   Operation
	from domain.FederationState
}

var transitions = map[edge]domain.FederationState{
	{OpRegister, domain.FederationStateNotFederated}: domain.FederationStatePending,
	{OpRegister, domain.FederationStateFederated}:    domain.FederationStatePending,

	{OpApprove, domain.FederationStatePending}:  domain.FederationStateFederated,
	{OpRevoke, domain.FederationStateFederated}: domain.FederationStateNotFederated,

	{OpToggleAutoRenew, domain.FederationStateFederated}: domain.FederationStateFederated,
	{OpUpdateDocuments, domain.FederationStateFederated}: domain.FederationStateFederated,
}

// resolve maps the overloaded confirm to the operation it means in state from.
// Other operations are returned unchanged.
func resolve(op Operation, from domain.FederationState) Operation {
	if op != OpConfirm {
		return op
	}
	switch from {
	case domain.FederationStatePending:
		return OpApprove
	case domain.FederationStateFederated:
		return OpRevoke
	default:
		return OpConfirm
	}
}

// NextState returns the state op leads to from state from, and whether the edge exists.
func NextState(op Operation, from domain.FederationState) (domain.FederationState, bool) {
	to, ok := transitions[edge{resolve(op, from), from}]
	return to, ok
}

// RequiresDocuments reports whether op writes the image pair.
func (op Operation) RequiresDocuments() bool {
	return op == OpRegister || op == OpUpdateDocuments
}

// apply computes the record op produces from cur, without touching image references.
func apply(op Operation, cur domain.FederationRecord, autoRenew bool) (domain.FederationRecord, error) {
	to, ok := NextState(op, cur.State)
	if !ok {
		return domain.FederationRecord{}, invalidTransition(cur.MemberID, cur.State, op)
	}
	next := cur
	next.State = to
	switch resolve(op, cur.State) {
	case OpRegister:
		next.AutoRenew = autoRenew
	case OpToggleAutoRenew:
		next.AutoRenew = !cur.AutoRenew
	}
	if to == domain.FederationStateNotFederated {
		next.AutoRenew = false
	}
	return next, nil
}

// Read-only operations, used for tracing and metrics labels.
const (
	OpGetRecord   Operation = "getRecord"
	OpList        Operation = "listAll"
	OpGetDocument Operation = "getDocument"
)
