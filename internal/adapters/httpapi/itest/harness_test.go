//go:build integration

package itest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	badgerdb "github.com/chess-club/federation-api/internal/adapters/badger"
	badgerfederationrepo "github.com/chess-club/federation-api/internal/adapters/badger/federationrepo"
	fsdocstore "github.com/chess-club/federation-api/internal/adapters/filesystem/docstore"
	"github.com/chess-club/federation-api/internal/adapters/httpapi"
	memclock "github.com/chess-club/federation-api/internal/adapters/memory/clock"
	memfederationrepo "github.com/chess-club/federation-api/internal/adapters/memory/federationrepo"
	memidempotency "github.com/chess-club/federation-api/internal/adapters/memory/idempotency"
	memmemberdirectory "github.com/chess-club/federation-api/internal/adapters/memory/memberdirectory"
	pgfederationrepo "github.com/chess-club/federation-api/internal/adapters/postgres/federationrepo"
	pgidempotency "github.com/chess-club/federation-api/internal/adapters/postgres/idempotency"
	pgmemberdirectory "github.com/chess-club/federation-api/internal/adapters/postgres/memberdirectory"
	postgres_testutil "github.com/chess-club/federation-api/internal/adapters/postgres/testutil"
	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
	federationrepoport "github.com/chess-club/federation-api/internal/ports/out/federationrepo"
	idempotencyport "github.com/chess-club/federation-api/internal/ports/out/idempotency"
	memberdirectoryport "github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

type backend string

const (
	backendMemory   backend = "memory"
	backendPostgres backend = "postgres"
	backendBadger   backend = "badger"
)

const adminToken = "itest-admin"

func backendsFromEnv(t *testing.T) []backend {
	t.Helper()
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ITEST_BACKEND"))) {
	case "", "memory":
		return []backend{backendMemory}
	case "postgres":
		return []backend{backendPostgres}
	case "badger":
		return []backend{backendBadger}
	case "all":
		return []backend{backendMemory, backendBadger, backendPostgres}
	default:
		t.Fatalf("unknown ITEST_BACKEND value (expected memory|postgres|badger|all)")
		return nil
	}
}

type testServer struct {
	baseURL string
	client  *http.Client
}

// seedMembers are bound in the member directory of every backend.
var seedMembers = map[domain.Email]domain.MemberID{
	"alice@club.test": "11111111H",
	"bob@club.test":   "22222222J",
}

func newTestServer(t *testing.T, b backend) *testServer {
	t.Helper()
	ctx := context.Background()

	clk := memclock.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	var (
		records   federationrepoport.Repository
		directory memberdirectoryport.Directory
		idemStore idempotencyport.Store
	)

	switch b {
	case backendPostgres:
		pool := postgres_testutil.OpenMigratedPool(t)
		dir := pgmemberdirectory.NewDirectory(pool)
		for email, id := range seedMembers {
			if err := dir.Put(ctx, email, id); err != nil {
				t.Fatalf("seed directory: %v", err)
			}
		}
		records = pgfederationrepo.NewRepo(pool)
		directory = dir
		idemStore = pgidempotency.NewStore(pool)
	case backendBadger:
		db, err := badgerdb.Open(badgerdb.InMemoryConfig(), nil)
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		records = badgerfederationrepo.NewRepo(db)
		directory = memoryDirectory(t)
		idemStore = memidempotency.NewStore()
	case backendMemory:
		records = memfederationrepo.NewRepo()
		directory = memoryDirectory(t)
		idemStore = memidempotency.NewStore()
	default:
		t.Fatalf("unknown backend: %s", b)
	}

	docs, err := fsdocstore.New(t.TempDir(), docstore.DefaultPolicy())
	if err != nil {
		t.Fatalf("docstore: %v", err)
	}

	reg := prometheus.NewRegistry()
	svc := federation.NewService(records, docs, directory, clk, federation.WithMetrics(federation.NewMetrics(reg)))
	api := httpapi.NewServer(svc, idemStore)
	handler := httpapi.NewRouter(api, httpapi.RouterOptions{Gatherer: reg, AdminToken: adminToken})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testServer{
		baseURL: srv.URL,
		client:  srv.Client(),
	}
}

func memoryDirectory(t *testing.T) *memmemberdirectory.Directory {
	t.Helper()
	dir := memmemberdirectory.NewDirectory()
	for email, id := range seedMembers {
		if err := dir.Put(email, id); err != nil {
			t.Fatalf("seed directory: %v", err)
		}
	}
	return dir
}

func (s *testServer) url(path string) string {
	if strings.HasPrefix(path, "/") {
		return s.baseURL + path
	}
	return s.baseURL + "/" + path
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, []byte, http.Header) {
	t.Helper()
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, resp.Header
}

func (s *testServer) get(t *testing.T, path string) (int, []byte, http.Header) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.url(path), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return s.do(t, req)
}

func (s *testServer) admin(t *testing.T, method string, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.url(path), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	status, body, _ := s.do(t, req)
	return status, body
}

// upload sends a multipart front/back pair (plus form fields) to path.
func (s *testServer) upload(t *testing.T, method string, path string, fields map[string]string, front, back domain.Upload) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for name, u := range map[string]domain.Upload{"front": front, "back": back} {
		fw, err := mw.CreateFormFile(name, u.Filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(u.Data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(method, s.url(path), &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	status, body, _ := s.do(t, req)
	return status, body
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type recordResponse struct {
	Record struct {
		MemberId           string  `json:"memberId"`
		State              string  `json:"state"`
		AutoRenew          bool    `json:"autoRenew"`
		LastDocumentUpdate *string `json:"lastDocumentUpdate"`
		HasDocuments       bool    `json:"hasDocuments"`
	} `json:"record"`
}

func mustUnmarshal[T any](t *testing.T, b []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v\nbody=%s", err, string(b))
	}
	return out
}

func requireErrorCode(t *testing.T, status int, body []byte, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status=%d want=%d body=%s", status, wantStatus, string(body))
	}
	got := mustUnmarshal[errorResponse](t, body)
	if got.Error.Code != wantCode {
		t.Fatalf("error.code=%q want=%q body=%s", got.Error.Code, wantCode, string(body))
	}
}

func requireState(t *testing.T, status int, body []byte, wantStatus int, wantState string) recordResponse {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status=%d want=%d body=%s", status, wantStatus, string(body))
	}
	got := mustUnmarshal[recordResponse](t, body)
	if got.Record.State != wantState {
		t.Fatalf("state=%q want=%q body=%s", got.Record.State, wantState, string(body))
	}
	return got
}
