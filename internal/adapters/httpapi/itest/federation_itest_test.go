//go:build integration

package itest

import (
	"net/http"
	"testing"

	"github.com/chess-club/federation-api/internal/domain"
)

func TestFederation_ITest(t *testing.T) {
	front := domain.Upload{Filename: "front.jpg", Data: []byte("front-jpeg")}
	back := domain.Upload{Filename: "back.jpg", Data: []byte("back-jpeg")}

	for _, b := range backendsFromEnv(t) {
		t.Run(string(b), func(t *testing.T) {
			srv := newTestServer(t, b)

			// Admin routes need the token.
			{
				status, body, _ := srv.get(t, "/federation")
				requireErrorCode(t, status, body, http.StatusUnauthorized, "UNAUTHORIZED")
			}

			// Never-registered members read as NOT_FEDERATED.
			{
				status, body, _ := srv.get(t, "/members/alice@club.test/federation")
				got := requireState(t, status, body, http.StatusOK, "NOT_FEDERATED")
				if got.Record.LastDocumentUpdate != nil {
					t.Fatalf("expected null lastDocumentUpdate, got %q", *got.Record.LastDocumentUpdate)
				}
			}

			// Register, then a second registration is rejected.
			{
				status, body := srv.upload(t, http.MethodPost, "/members/alice@club.test/federation", map[string]string{"autoRenew": "true"}, front, back)
				got := requireState(t, status, body, http.StatusCreated, "PENDING")
				if got.Record.LastDocumentUpdate == nil || *got.Record.LastDocumentUpdate != "2024-01-01" {
					t.Fatalf("unexpected lastDocumentUpdate: %+v", got.Record)
				}
				status, body = srv.upload(t, http.MethodPost, "/members/alice@club.test/federation", nil, front, back)
				requireErrorCode(t, status, body, http.StatusConflict, "INVALID_TRANSITION")
			}

			// Confirm approves, confirm again revokes.
			{
				status, body := srv.admin(t, http.MethodPost, "/federation/11111111H/confirm")
				got := requireState(t, status, body, http.StatusOK, "FEDERATED")
				if !got.Record.AutoRenew {
					t.Fatalf("autoRenew should survive approval")
				}
			}
			{
				status, body, hdr := srv.get(t, "/members/alice@club.test/federation/documents/back")
				if status != http.StatusOK || string(body) != "back-jpeg" || hdr.Get("Content-Type") != "image/jpeg" {
					t.Fatalf("document read: status=%d ct=%q body=%q", status, hdr.Get("Content-Type"), string(body))
				}
			}
			{
				status, body := srv.admin(t, http.MethodPost, "/federation/11111111H/confirm")
				got := requireState(t, status, body, http.StatusOK, "NOT_FEDERATED")
				if got.Record.AutoRenew {
					t.Fatalf("autoRenew should be cleared on revocation")
				}
			}

			// Unknown members.
			{
				status, body := srv.upload(t, http.MethodPost, "/members/nobody@club.test/federation", nil, front, back)
				requireErrorCode(t, status, body, http.StatusNotFound, "MEMBER_NOT_FOUND")
			}

			// Only persisted records are listed; bob never registered.
			{
				status, body := srv.admin(t, http.MethodGet, "/federation")
				if status != http.StatusOK {
					t.Fatalf("list: status=%d body=%s", status, string(body))
				}
				list := mustUnmarshal[struct {
					Records []struct {
						MemberId string `json:"memberId"`
						State    string `json:"state"`
					} `json:"records"`
				}](t, body)
				if len(list.Records) != 1 || list.Records[0].MemberId != "11111111H" {
					t.Fatalf("unexpected list: %+v", list.Records)
				}
			}
		})
	}
}
