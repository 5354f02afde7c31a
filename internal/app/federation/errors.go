package federation

import (
	"errors"
	"fmt"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
)

// Kind classifies lifecycle failures. Every kind is recoverable by the caller.
type Kind string

const (
	KindNotFound                  Kind = "NOT_FOUND"
	KindInvalidTransition         Kind = "INVALID_TRANSITION"
	KindUnsupportedDocumentFormat Kind = "UNSUPPORTED_DOCUMENT_FORMAT"
	KindStorageFailure            Kind = "STORAGE_FAILURE"
	KindConcurrentModification    Kind = "CONCURRENT_MODIFICATION"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrInvalidTransition         = &Error{Kind: KindInvalidTransition}
	ErrUnsupportedDocumentFormat = &Error{Kind: KindUnsupportedDocumentFormat}
	ErrStorageFailure            = &Error{Kind: KindStorageFailure}
	ErrConcurrentModification    = &Error{Kind: KindConcurrentModification}
)

// Error is an application-layer error that can be mapped to an HTTP response.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details map[string]any

	MemberID  domain.MemberID
	State     domain.FederationState
	Operation Operation
	Side      domain.DocumentSide

	// Err is the low-level cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func memberNotFound(email domain.Email) *Error {
	return &Error{
		Kind:    KindNotFound,
		Status:  404,
		Code:    "MEMBER_NOT_FOUND",
		Message: "No member is registered under the given email.",
		Details: map[string]any{"email": string(email)},
	}
}

func memberIDNotFound(id domain.MemberID) *Error {
	return &Error{
		Kind:     KindNotFound,
		Status:   404,
		Code:     "MEMBER_NOT_FOUND",
		Message:  "The member id is not valid.",
		Details:  map[string]any{"memberId": string(id)},
		MemberID: id,
		Err:      domain.ErrInvalidMemberID,
	}
}

func documentNotFound(id domain.MemberID, side domain.DocumentSide, err error) *Error {
	return &Error{
		Kind:     KindNotFound,
		Status:   404,
		Code:     "DOCUMENT_NOT_FOUND",
		Message:  fmt.Sprintf("No %s document is stored for the member.", side),
		MemberID: id,
		Side:     side,
		Err:      err,
	}
}

func invalidTransition(id domain.MemberID, state domain.FederationState, op Operation) *Error {
	return &Error{
		Kind:      KindInvalidTransition,
		Status:    409,
		Code:      "INVALID_TRANSITION",
		Message:   fmt.Sprintf("cannot %s from state %s", op, state),
		Details:   map[string]any{"state": string(state), "operation": string(op)},
		MemberID:  id,
		State:     state,
		Operation: op,
	}
}

func concurrentModification(id domain.MemberID, op Operation, err error) *Error {
	return &Error{
		Kind:      KindConcurrentModification,
		Status:    409,
		Code:      "CONCURRENT_MODIFICATION",
		Message:   "The federation record was modified concurrently; retry with a fresh read.",
		MemberID:  id,
		Operation: op,
		Err:       err,
	}
}

func storageFailure(id domain.MemberID, side domain.DocumentSide, op Operation, err error) *Error {
	e := &Error{
		Kind:      KindStorageFailure,
		Status:    500,
		Code:      "STORAGE_FAILURE",
		Message:   "storage failure",
		MemberID:  id,
		Operation: op,
		Side:      side,
		Err:       err,
	}
	if side != "" {
		e.Message = fmt.Sprintf("storage failure on %s document", side)
		e.Details = map[string]any{"side": string(side)}
	}
	return e
}

// documentError maps a DocumentStore failure for one side to the lifecycle taxonomy.
func documentError(id domain.MemberID, side domain.DocumentSide, op Operation, err error) *Error {
	switch {
	case errors.Is(err, docstore.ErrUnsupportedFormat):
		return &Error{
			Kind:      KindUnsupportedDocumentFormat,
			Status:    415,
			Code:      "UNSUPPORTED_DOCUMENT_FORMAT",
			Message:   fmt.Sprintf("unsupported %s document format", side),
			Details:   map[string]any{"side": string(side)},
			MemberID:  id,
			Operation: op,
			Side:      side,
			Err:       err,
		}
	case errors.Is(err, docstore.ErrTooLarge):
		return &Error{
			Kind:      KindUnsupportedDocumentFormat,
			Status:    413,
			Code:      "DOCUMENT_TOO_LARGE",
			Message:   fmt.Sprintf("%s document exceeds the maximum size", side),
			Details:   map[string]any{"side": string(side)},
			MemberID:  id,
			Operation: op,
			Side:      side,
			Err:       err,
		}
	case errors.Is(err, docstore.ErrEmpty):
		return &Error{
			Kind:      KindUnsupportedDocumentFormat,
			Status:    422,
			Code:      "EMPTY_DOCUMENT",
			Message:   fmt.Sprintf("%s document is empty", side),
			Details:   map[string]any{"side": string(side)},
			MemberID:  id,
			Operation: op,
			Side:      side,
			Err:       err,
		}
	default:
		return storageFailure(id, side, op, err)
	}
}
