package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateMemberID(t *testing.T) {
	t.Parallel()

	valid := []MemberID{"12345678Z", "M1", "X-1234567-L", MemberID(strings.Repeat("a", 128))}
	for _, id := range valid {
		if err := ValidateMemberID(id); err != nil {
			t.Fatalf("ValidateMemberID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []MemberID{"", ".", "..", "a/b", `a\b`, "c:", " 123", "123 ", "a\x00b", MemberID(strings.Repeat("a", 129))}
	for _, id := range invalid {
		if err := ValidateMemberID(id); err != ErrInvalidMemberID {
			t.Fatalf("ValidateMemberID(%q) = %v, want ErrInvalidMemberID", id, err)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()
	if got := NormalizeEmail("  Alice@Club.TEST "); got != "alice@club.test" {
		t.Fatalf("NormalizeEmail = %q", got)
	}
}

func TestParseFederationState(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"NOT_FEDERATED", "PENDING", "FEDERATED"} {
		if _, err := ParseFederationState(s); err != nil {
			t.Fatalf("ParseFederationState(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "pending", "REVOKED"} {
		if _, err := ParseFederationState(s); err == nil {
			t.Fatalf("ParseFederationState(%q) should fail", s)
		}
	}
}

func TestParseDocumentSide(t *testing.T) {
	t.Parallel()
	if _, err := ParseDocumentSide("front"); err != nil {
		t.Fatalf("front: %v", err)
	}
	if _, err := ParseDocumentSide("FRONT"); err == nil {
		t.Fatalf("sides are case-sensitive")
	}
}

func TestFederationRecord_Helpers(t *testing.T) {
	t.Parallel()

	r := NewFederationRecord("M1")
	if r.State != FederationStateNotFederated || r.HasDocuments() || r.Version != 0 {
		t.Fatalf("unexpected implicit record: %+v", r)
	}

	r.AutoRenew = true
	r.State = FederationStatePending
	if r.EffectiveAutoRenew() {
		t.Fatalf("auto-renew must not be effective while PENDING")
	}
	r.State = FederationStateFederated
	if !r.EffectiveAutoRenew() {
		t.Fatalf("auto-renew should be effective while FEDERATED")
	}

	r.FrontImageRef, r.BackImageRef = "M1/front.jpg", "M1/back.png"
	if !r.HasDocuments() || r.DocumentRef(DocumentSideBack) != "M1/back.png" || r.DocumentRef(DocumentSideFront) != "M1/front.jpg" {
		t.Fatalf("unexpected refs: %+v", r)
	}
}

func TestDateOnly(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*3600)
	got := DateOnly(time.Date(2024, 3, 11, 1, 30, 0, 0, loc))
	want := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("DateOnly = %v, want %v", got, want)
	}
}
