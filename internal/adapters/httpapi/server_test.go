package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	fsdocstore "github.com/chess-club/federation-api/internal/adapters/filesystem/docstore"
	memclock "github.com/chess-club/federation-api/internal/adapters/memory/clock"
	memfederationrepo "github.com/chess-club/federation-api/internal/adapters/memory/federationrepo"
	memidempotency "github.com/chess-club/federation-api/internal/adapters/memory/idempotency"
	memmemberdirectory "github.com/chess-club/federation-api/internal/adapters/memory/memberdirectory"
	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
)

const adminToken = "test-admin-token"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	docs, err := fsdocstore.New(t.TempDir(), docstore.Policy{
		AllowedExtensions: docstore.DefaultAllowedExtensions,
		MaxBytes:          64,
	})
	require.NoError(t, err)
	dir := memmemberdirectory.NewDirectory()
	require.NoError(t, dir.Put("m1@club.test", "M1"))
	require.NoError(t, dir.Put("m2@club.test", "M2"))

	reg := prometheus.NewRegistry()
	log := zaptest.NewLogger(t)
	svc := federation.NewService(
		memfederationrepo.NewRepo(),
		docs,
		dir,
		memclock.NewManualClock(time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)),
		federation.WithLogger(log),
		federation.WithMetrics(federation.NewMetrics(reg)),
	)

	api := NewServer(svc, memidempotency.NewStore())
	api.MaxDocumentBytes = 64
	api.Log = log
	return NewRouter(api, RouterOptions{Logger: log, Gatherer: reg, AdminToken: adminToken})
}

type part struct {
	field    string
	filename string
	data     string
}

func multipartBody(t *testing.T, fields map[string]string, parts ...part) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(p.data))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func jpgPair() []part {
	return []part{
		{field: "front", filename: "front.jpg", data: "front-bytes"},
		{field: "back", filename: "back.jpg", data: "back-bytes"},
	}
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func register(t *testing.T, h http.Handler, email string, autoRenew string, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"autoRenew": autoRenew}, jpgPair()...)
	req := httptest.NewRequest(http.MethodPost, "/members/"+email+"/federation", body)
	req.Header.Set("Content-Type", ct)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return do(t, h, req)
}

func admin(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return do(t, h, req)
}

func decodeRecord(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Record map[string]any `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp.Record
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp.Error
}

func TestFederation_RegisterApproveLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/members/m1@club.test/federation", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec := decodeRecord(t, rr)
	assert.Equal(t, "NOT_FEDERATED", rec["state"])
	assert.Nil(t, rec["lastDocumentUpdate"])

	rr = register(t, h, "m1@club.test", "true", "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rec = decodeRecord(t, rr)
	assert.Equal(t, "PENDING", rec["state"])
	assert.Equal(t, "2024-03-10", rec["lastDocumentUpdate"])
	assert.Equal(t, "m1@club.test", rec["email"])
	assert.Equal(t, true, rec["autoRenew"])
	assert.Equal(t, false, rec["effectiveAutoRenew"])

	rr = admin(t, h, http.MethodPost, "/federation/M1/approve")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "FEDERATED", decodeRecord(t, rr)["state"])

	rr = do(t, h, httptest.NewRequest(http.MethodPost, "/members/m1@club.test/federation/auto-renew", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, false, decodeRecord(t, rr)["autoRenew"])

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/members/m1@club.test/federation/documents/front", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))
	assert.Equal(t, "front-bytes", rr.Body.String())

	rr = admin(t, h, http.MethodPost, "/federation/M1/confirm")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "NOT_FEDERATED", decodeRecord(t, rr)["state"])

	rr = admin(t, h, http.MethodGet, "/federation")
	require.Equal(t, http.StatusOK, rr.Code)
	var list ListFederationRecordsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, "M1", list.Records[0].MemberId)
}

func TestFederation_ErrorMapping(t *testing.T) {
	h := newTestRouter(t)

	t.Run("unknown member is 404", func(t *testing.T) {
		rr := register(t, h, "ghost@club.test", "false", "")
		require.Equal(t, http.StatusNotFound, rr.Code)
		e := decodeError(t, rr)
		assert.Equal(t, "MEMBER_NOT_FOUND", e.Code)
		assert.True(t, e.RequestId.IsSpecified())
	})

	t.Run("invalid transition is 409", func(t *testing.T) {
		rr := admin(t, h, http.MethodPost, "/federation/M2/revoke")
		require.Equal(t, http.StatusConflict, rr.Code)
		e := decodeError(t, rr)
		assert.Equal(t, "INVALID_TRANSITION", e.Code)
		details, err := e.Details.Get()
		require.NoError(t, err)
		assert.Equal(t, "NOT_FEDERATED", details["state"])
	})

	t.Run("unsupported format is 415", func(t *testing.T) {
		body, ct := multipartBody(t, nil,
			part{field: "front", filename: "front.gif", data: "gif"},
			part{field: "back", filename: "back.jpg", data: "jpg"},
		)
		req := httptest.NewRequest(http.MethodPost, "/members/m2@club.test/federation", body)
		req.Header.Set("Content-Type", ct)
		rr := do(t, h, req)
		require.Equal(t, http.StatusUnsupportedMediaType, rr.Code, rr.Body.String())
		assert.Equal(t, "UNSUPPORTED_DOCUMENT_FORMAT", decodeError(t, rr).Code)
	})

	t.Run("oversized image is 413", func(t *testing.T) {
		body, ct := multipartBody(t, nil,
			part{field: "front", filename: "front.jpg", data: strings.Repeat("x", 65)},
			part{field: "back", filename: "back.jpg", data: "jpg"},
		)
		req := httptest.NewRequest(http.MethodPost, "/members/m2@club.test/federation", body)
		req.Header.Set("Content-Type", ct)
		rr := do(t, h, req)
		require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	})

	t.Run("missing back image is 422", func(t *testing.T) {
		body, ct := multipartBody(t, nil, part{field: "front", filename: "front.jpg", data: "jpg"})
		req := httptest.NewRequest(http.MethodPost, "/members/m2@club.test/federation", body)
		req.Header.Set("Content-Type", ct)
		rr := do(t, h, req)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rr).Code)
	})

	t.Run("malformed email is 422", func(t *testing.T) {
		rr := do(t, h, httptest.NewRequest(http.MethodGet, "/members/not-an-email/federation", nil))
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Equal(t, "INVALID_EMAIL", decodeError(t, rr).Code)
	})

	t.Run("missing document is 404", func(t *testing.T) {
		rr := do(t, h, httptest.NewRequest(http.MethodGet, "/members/m2@club.test/federation/documents/back", nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown side is 404", func(t *testing.T) {
		rr := do(t, h, httptest.NewRequest(http.MethodGet, "/members/m2@club.test/federation/documents/spine", nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestFederation_IdempotentRegisterReplays(t *testing.T) {
	h := newTestRouter(t)

	first := register(t, h, "m1@club.test", "false", "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// A plain retry would be an invalid PENDING -> PENDING transition; the key replays instead.
	second := register(t, h, "m1@club.test", "false", "key-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	reuse := register(t, h, "m1@club.test", "true", "key-1")
	require.Equal(t, http.StatusConflict, reuse.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSE", decodeError(t, reuse).Code)

	noKey := register(t, h, "m1@club.test", "false", "")
	require.Equal(t, http.StatusConflict, noKey.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeError(t, noKey).Code)
}

func TestFederation_UpdateDocuments(t *testing.T) {
	h := newTestRouter(t)

	require.Equal(t, http.StatusCreated, register(t, h, "m1@club.test", "false", "").Code)
	require.Equal(t, http.StatusOK, admin(t, h, http.MethodPost, "/federation/M1/approve").Code)

	body, ct := multipartBody(t, nil,
		part{field: "front", filename: "newFront.png", data: "png-front"},
		part{field: "back", filename: "newBack.png", data: "png-back"},
	)
	req := httptest.NewRequest(http.MethodPut, "/members/m1@club.test/federation/documents", body)
	req.Header.Set("Content-Type", ct)
	rr := do(t, h, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "FEDERATED", decodeRecord(t, rr)["state"])

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/members/m1@club.test/federation/documents/back", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "png-back", rr.Body.String())
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	h := newTestRouter(t)

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/federation", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/federation", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, do(t, h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/federation", nil)
	req.Header.Set("Authorization", "Token "+adminToken)
	require.Equal(t, http.StatusUnauthorized, do(t, h, req).Code)

	require.Equal(t, http.StatusOK, admin(t, h, http.MethodGet, "/federation").Code)
}

func TestAdminTokenMiddleware_EmptyTokenAllows(t *testing.T) {
	var subject string
	h := NewAdminTokenMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/federation", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, AdminSubject, subject)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	require.Equal(t, http.StatusCreated, register(t, h, "m1@club.test", "false", "").Code)
	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "federation_operations_total")
}
