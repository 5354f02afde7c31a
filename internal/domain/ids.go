package domain

import (
	"errors"
	"strings"
)

// MemberID is the stable identifier of a club member (typically the national identity number).
// It keys the federation record and names the member's document directory, so it must be path-safe.
type MemberID string

// Email is the member-facing identifier used to look a member up in the directory.
type Email string

var ErrInvalidMemberID = errors.New("invalid member id")

// ValidateMemberID rejects ids that are empty or could escape a storage directory.
func ValidateMemberID(id MemberID) error {
	s := string(id)
	if s == "" || s == "." || s == ".." {
		return ErrInvalidMemberID
	}
	if len(s) > 128 {
		return ErrInvalidMemberID
	}
	if strings.ContainsAny(s, `/\:`) || strings.ContainsRune(s, 0) {
		return ErrInvalidMemberID
	}
	if strings.TrimSpace(s) != s {
		return ErrInvalidMemberID
	}
	return nil
}
