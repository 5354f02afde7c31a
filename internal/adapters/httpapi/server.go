package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oapi-codegen/nullable"
	openapi_types "github.com/oapi-codegen/runtime/types"
	"go.uber.org/zap"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
	"github.com/chess-club/federation-api/internal/ports/out/idempotency"
)

// FederationService is the lifecycle API the handlers drive.
type FederationService interface {
	RegisterFederation(ctx context.Context, email domain.Email, front, back domain.Upload, autoRenew bool) (domain.FederationRecord, error)
	ConfirmOrRevoke(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error)
	Approve(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error)
	Revoke(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error)
	ToggleAutoRenew(ctx context.Context, email domain.Email) (domain.FederationRecord, error)
	UpdateDocuments(ctx context.Context, email domain.Email, front, back domain.Upload) (domain.FederationRecord, error)
	GetFederationRecord(ctx context.Context, email domain.Email) (domain.FederationRecord, error)
	ListAllFederationRecords(ctx context.Context) ([]domain.FederationRecord, error)
	GetDocument(ctx context.Context, email domain.Email, side domain.DocumentSide) ([]byte, string, error)
}

// Server holds the HTTP handlers. Construct with NewServer and mount with NewRouter.
type Server struct {
	Federation FederationService
	Idem       idempotency.Store

	// MaxDocumentBytes bounds each image; the request body may carry two plus form overhead.
	MaxDocumentBytes int64
	Log              *zap.Logger

	validate *validator.Validate
}

func NewServer(svc FederationService, idem idempotency.Store) *Server {
	return &Server{
		Federation:       svc,
		Idem:             idem,
		MaxDocumentBytes: docstore.DefaultMaxBytes,
		Log:              zap.NewNop(),
		validate:         validator.New(validator.WithRequiredStructEnabled()),
	}
}

// FederationRecord is the wire shape of a member's federation status.
type FederationRecord struct {
	MemberId           string                                `json:"memberId"`
	Email              *openapi_types.Email                  `json:"email,omitempty"`
	State              string                                `json:"state"`
	AutoRenew          bool                                  `json:"autoRenew"`
	EffectiveAutoRenew bool                                  `json:"effectiveAutoRenew"`
	LastDocumentUpdate nullable.Nullable[openapi_types.Date] `json:"lastDocumentUpdate"`
	HasDocuments       bool                                  `json:"hasDocuments"`
	Version            int64                                 `json:"version"`
}

type FederationRecordResponse struct {
	Record FederationRecord `json:"record"`
}

type ListFederationRecordsResponse struct {
	Records []FederationRecord `json:"records"`
}

func federationRecordFromDomain(r domain.FederationRecord, email domain.Email) FederationRecord {
	out := FederationRecord{
		MemberId:           string(r.MemberID),
		State:              string(r.State),
		AutoRenew:          r.AutoRenew,
		EffectiveAutoRenew: r.EffectiveAutoRenew(),
		HasDocuments:       r.HasDocuments(),
		Version:            r.Version,
	}
	if email != "" {
		e := openapi_types.Email(email)
		out.Email = &e
	}
	if r.LastDocumentUpdate.IsZero() {
		out.LastDocumentUpdate = nullable.NewNullNullable[openapi_types.Date]()
	} else {
		out.LastDocumentUpdate = nullable.NewNullableWithValue(openapi_types.Date{Time: r.LastDocumentUpdate})
	}
	return out
}

func (s *Server) ListFederationRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Federation.ListAllFederationRecords(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]FederationRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, federationRecordFromDomain(rec, ""))
	}
	writeJSON(w, http.StatusOK, ListFederationRecordsResponse{Records: out})
}

func (s *Server) ConfirmOrRevoke(w http.ResponseWriter, r *http.Request) {
	s.byMemberID(w, r, s.Federation.ConfirmOrRevoke)
}

func (s *Server) Approve(w http.ResponseWriter, r *http.Request) {
	s.byMemberID(w, r, s.Federation.Approve)
}

func (s *Server) Revoke(w http.ResponseWriter, r *http.Request) {
	s.byMemberID(w, r, s.Federation.Revoke)
}

func (s *Server) byMemberID(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.MemberID) (domain.FederationRecord, error)) {
	id, err := url.PathUnescape(chi.URLParam(r, "memberId"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MEMBER_ID", "member id is not a valid path segment", nil)
		return
	}
	rec, err := op(r.Context(), domain.MemberID(id))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FederationRecordResponse{Record: federationRecordFromDomain(rec, "")})
}

func (s *Server) GetFederationRecord(w http.ResponseWriter, r *http.Request) {
	email, ok := s.emailParam(w, r)
	if !ok {
		return
	}
	rec, err := s.Federation.GetFederationRecord(r.Context(), email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FederationRecordResponse{Record: federationRecordFromDomain(rec, email)})
}

func (s *Server) ToggleAutoRenew(w http.ResponseWriter, r *http.Request) {
	email, ok := s.emailParam(w, r)
	if !ok {
		return
	}
	rec, err := s.Federation.ToggleAutoRenew(r.Context(), email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FederationRecordResponse{Record: federationRecordFromDomain(rec, email)})
}

func (s *Server) RegisterFederation(w http.ResponseWriter, r *http.Request) {
	email, ok := s.emailParam(w, r)
	if !ok {
		return
	}
	front, back, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	autoRenew := false
	if v := r.FormValue("autoRenew"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "autoRenew must be a boolean", map[string]any{"field": "autoRenew"})
			return
		}
		autoRenew = b
	}

	s.idempotent(w, r, "POST /members/{email}/federation", email, hashUploadBody(front, back, strconv.FormatBool(autoRenew)), http.StatusCreated,
		func(ctx context.Context) (any, error) {
			rec, err := s.Federation.RegisterFederation(ctx, email, front, back, autoRenew)
			if err != nil {
				return nil, err
			}
			return FederationRecordResponse{Record: federationRecordFromDomain(rec, email)}, nil
		})
}

func (s *Server) UpdateDocuments(w http.ResponseWriter, r *http.Request) {
	email, ok := s.emailParam(w, r)
	if !ok {
		return
	}
	front, back, ok := s.readUploads(w, r)
	if !ok {
		return
	}

	s.idempotent(w, r, "PUT /members/{email}/federation/documents", email, hashUploadBody(front, back, ""), http.StatusOK,
		func(ctx context.Context) (any, error) {
			rec, err := s.Federation.UpdateDocuments(ctx, email, front, back)
			if err != nil {
				return nil, err
			}
			return FederationRecordResponse{Record: federationRecordFromDomain(rec, email)}, nil
		})
}

func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	email, ok := s.emailParam(w, r)
	if !ok {
		return
	}
	side, err := domain.ParseDocumentSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "unknown document side", nil)
		return
	}
	data, contentType, err := s.Federation.GetDocument(r.Context(), email, side)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// idempotent runs fn at most once per (Idempotency-Key, member, route, body) and replays
// the stored response for retries. A key reused with a different body is rejected.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, route string, email domain.Email, bodyHash string, status int, fn func(context.Context) (any, error)) {
	ctx := r.Context()
	key := idempotency.Key(r.Header.Get("Idempotency-Key"))
	if key == "" || s.Idem == nil {
		payload, err := fn(ctx)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, status, payload)
		return
	}

	metaFP := idempotency.Fingerprint{
		Key:    key,
		Member: domain.NormalizeEmail(email),
		Method: r.Method,
		Route:  route,
	}
	if meta, ok, err := s.Idem.Get(ctx, metaFP); err != nil {
		s.writeAppError(w, r, err)
		return
	} else if ok {
		if string(meta.Body) != bodyHash {
			writeError(w, r, http.StatusConflict, "IDEMPOTENCY_KEY_REUSE", "idempotency key reuse with different payload", nil)
			return
		}
	} else if err := s.Idem.Put(ctx, metaFP, idempotency.Record{
		ContentType: "text/plain",
		Body:        []byte(bodyHash),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	respFP := metaFP
	respFP.BodyHash = bodyHash
	if rec, ok, err := s.Idem.Get(ctx, respFP); err != nil {
		s.writeAppError(w, r, err)
		return
	} else if ok {
		w.Header().Set("Content-Type", rec.ContentType)
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	payload, err := fn(ctx)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.Idem.Put(ctx, respFP, idempotency.Record{
		StatusCode:  status,
		ContentType: "application/json",
		Body:        b,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		// The transition is committed; a failed replay record only costs the retry.
		s.Log.Warn("store idempotent response", zap.String("route", route), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func (s *Server) emailParam(w http.ResponseWriter, r *http.Request) (domain.Email, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err == nil {
		err = s.validate.Var(raw, "required,email")
	}
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_EMAIL", "email is not a valid address", map[string]any{"email": raw})
		return "", false
	}
	return domain.Email(raw), true
}

func (s *Server) maxRequestBytes() int64 {
	max := s.MaxDocumentBytes
	if max <= 0 {
		max = docstore.DefaultMaxBytes
	}
	return 2*max + 1<<20
}

// readUploads parses the multipart body and returns the front and back images.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) (domain.Upload, domain.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE", "request body exceeds the maximum size", map[string]any{"limit": mbe.Limit})
			return domain.Upload{}, domain.Upload{}, false
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_MULTIPART", "request must be multipart/form-data", nil)
		return domain.Upload{}, domain.Upload{}, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var out [2]domain.Upload
	for i, side := range []domain.DocumentSide{domain.DocumentSideFront, domain.DocumentSideBack} {
		fhs := r.MultipartForm.File[string(side)]
		if len(fhs) == 0 {
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "missing "+string(side)+" image", map[string]any{"field": string(side)})
			return domain.Upload{}, domain.Upload{}, false
		}
		u, err := readPart(fhs[0])
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_MULTIPART", "could not read "+string(side)+" image", nil)
			return domain.Upload{}, domain.Upload{}, false
		}
		out[i] = u
	}
	return out[0], out[1], true
}

func readPart(fh *multipart.FileHeader) (domain.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Upload{}, err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return domain.Upload{}, err
	}
	return domain.Upload{Filename: fh.Filename, Data: data}, nil
}

func hashUploadBody(front, back domain.Upload, extra string) string {
	h := sha256.New()
	for _, u := range []domain.Upload{front, back} {
		_, _ = io.WriteString(h, u.Filename)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, strconv.Itoa(len(u.Data)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(u.Data)
	}
	_, _ = io.WriteString(h, extra)
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logError(r *http.Request, code string, err error) {
	s.Log.Error("request failed",
		zap.String("code", code),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
}
