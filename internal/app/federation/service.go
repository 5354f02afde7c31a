package federation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chess-club/federation-api/internal/domain"
	clockport "github.com/chess-club/federation-api/internal/ports/out/clock"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
	"github.com/chess-club/federation-api/internal/ports/out/events"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
	"github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

// DefaultStorageTimeout bounds document staging and publication.
const DefaultStorageTimeout = 15 * time.Second

const tracerName = "github.com/chess-club/federation-api/internal/app/federation"

// Service is the federation lifecycle manager. All state changes of a member's
// federation record and identity documents go through it.
type Service struct {
	records   federationrepo.Repository
	docs      docstore.Store
	directory memberdirectory.Directory
	clk       clockport.Clock

	log            *zap.Logger
	metrics        *Metrics
	events         events.Publisher
	tracer         trace.Tracer
	storageTimeout time.Duration

	newEventID func() string
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithStorageTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storageTimeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewService(records federationrepo.Repository, docs docstore.Store, directory memberdirectory.Directory, clk clockport.Clock, opts ...Option) *Service {
	s := &Service{
		records:        records,
		docs:           docs,
		directory:      directory,
		clk:            clk,
		log:            zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
		storageTimeout: DefaultStorageTimeout,
		newEventID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterFederation stores the document pair and moves the member to PENDING.
// Allowed from NOT_FEDERATED and, as re-registration, from FEDERATED.
func (s *Service) RegisterFederation(ctx context.Context, email domain.Email, front, back domain.Upload, autoRenew bool) (domain.FederationRecord, error) {
	return s.run(ctx, OpRegister, func(ctx context.Context) (domain.FederationRecord, error) {
		id, err := s.resolveMember(ctx, email, OpRegister)
		if err != nil {
			return domain.FederationRecord{}, err
		}
		return s.mutate(ctx, mutation{op: OpRegister, id: id, autoRenew: autoRenew, front: &front, back: &back})
	})
}

// ConfirmOrRevoke approves a PENDING registration or revokes an active federation,
// depending on the current state.
func (s *Service) ConfirmOrRevoke(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error) {
	return s.byID(ctx, OpConfirm, id)
}

// Approve moves a PENDING member to FEDERATED.
func (s *Service) Approve(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error) {
	return s.byID(ctx, OpApprove, id)
}

// Revoke moves a FEDERATED member back to NOT_FEDERATED. Stored documents are kept.
func (s *Service) Revoke(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error) {
	return s.byID(ctx, OpRevoke, id)
}

func (s *Service) ToggleAutoRenew(ctx context.Context, email domain.Email) (domain.FederationRecord, error) {
	return s.run(ctx, OpToggleAutoRenew, func(ctx context.Context) (domain.FederationRecord, error) {
		id, err := s.resolveMember(ctx, email, OpToggleAutoRenew)
		if err != nil {
			return domain.FederationRecord{}, err
		}
		return s.mutate(ctx, mutation{op: OpToggleAutoRenew, id: id})
	})
}

// UpdateDocuments replaces the document pair of a FEDERATED member.
func (s *Service) UpdateDocuments(ctx context.Context, email domain.Email, front, back domain.Upload) (domain.FederationRecord, error) {
	return s.run(ctx, OpUpdateDocuments, func(ctx context.Context) (domain.FederationRecord, error) {
		id, err := s.resolveMember(ctx, email, OpUpdateDocuments)
		if err != nil {
			return domain.FederationRecord{}, err
		}
		return s.mutate(ctx, mutation{op: OpUpdateDocuments, id: id, front: &front, back: &back})
	})
}

// GetFederationRecord returns the member's record; a member that never registered
// gets an unpersisted NOT_FEDERATED record.
func (s *Service) GetFederationRecord(ctx context.Context, email domain.Email) (domain.FederationRecord, error) {
	return s.run(ctx, OpGetRecord, func(ctx context.Context) (domain.FederationRecord, error) {
		id, err := s.resolveMember(ctx, email, OpGetRecord)
		if err != nil {
			return domain.FederationRecord{}, err
		}
		return s.load(ctx, id, OpGetRecord)
	})
}

func (s *Service) GetFederationRecordByID(ctx context.Context, id domain.MemberID) (domain.FederationRecord, error) {
	return s.run(ctx, OpGetRecord, func(ctx context.Context) (domain.FederationRecord, error) {
		if err := domain.ValidateMemberID(id); err != nil {
			return domain.FederationRecord{}, memberIDNotFound(id)
		}
		return s.load(ctx, id, OpGetRecord)
	})
}

// ListAllFederationRecords returns every persisted record ordered by member id.
func (s *Service) ListAllFederationRecords(ctx context.Context) ([]domain.FederationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "federation."+string(OpList))
	defer span.End()

	rs, err := s.records.List(ctx)
	if err != nil {
		ferr := storageFailure("", "", OpList, err)
		s.fail(span, OpList, ferr)
		return nil, ferr
	}
	out := make([]domain.FederationRecord, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ToDomain())
	}
	span.SetAttributes(attribute.Int("federation.records", len(out)))
	s.metrics.observeOperation(OpList, nil)
	return out, nil
}

// GetDocument returns a stored document image and its content type.
func (s *Service) GetDocument(ctx context.Context, email domain.Email, side domain.DocumentSide) ([]byte, string, error) {
	ctx, span := s.tracer.Start(ctx, "federation."+string(OpGetDocument),
		trace.WithAttributes(attribute.String("document.side", string(side))))
	defer span.End()

	data, ref, err := s.getDocument(ctx, email, side)
	if err != nil {
		s.fail(span, OpGetDocument, err)
		return nil, "", err
	}
	s.metrics.observeOperation(OpGetDocument, nil)
	return data, docstore.ContentType(docstore.Extension(ref)), nil
}

func (s *Service) getDocument(ctx context.Context, email domain.Email, side domain.DocumentSide) ([]byte, string, error) {
	id, err := s.resolveMember(ctx, email, OpGetDocument)
	if err != nil {
		return nil, "", err
	}
	if !side.Valid() {
		return nil, "", documentNotFound(id, side, nil)
	}
	rec, err := s.load(ctx, id, OpGetDocument)
	if err != nil {
		return nil, "", err
	}
	ref := rec.DocumentRef(side)
	if ref == "" {
		return nil, "", documentNotFound(id, side, nil)
	}

	lctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	data, err := s.docs.Load(lctx, ref)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, "", documentNotFound(id, side, err)
		}
		return nil, "", storageFailure(id, side, OpGetDocument, err)
	}
	return data, ref, nil
}

func (s *Service) byID(ctx context.Context, op Operation, id domain.MemberID) (domain.FederationRecord, error) {
	return s.run(ctx, op, func(ctx context.Context) (domain.FederationRecord, error) {
		if err := domain.ValidateMemberID(id); err != nil {
			return domain.FederationRecord{}, memberIDNotFound(id)
		}
		return s.mutate(ctx, mutation{op: op, id: id})
	})
}

type mutation struct {
	op        Operation
	id        domain.MemberID
	autoRenew bool

	// front and back are set for operations that write the document pair.
	front *domain.Upload
	back  *domain.Upload
}

// mutate validates op against a snapshot, stages documents outside the member lock,
// then re-reads under the lock, publishes and persists with a version check.
func (s *Service) mutate(ctx context.Context, m mutation) (domain.FederationRecord, error) {
	snap, err := s.load(ctx, m.id, m.op)
	if err != nil {
		return domain.FederationRecord{}, err
	}
	effective := resolve(m.op, snap.State)
	next, err := apply(m.op, snap, m.autoRenew)
	if err != nil {
		return domain.FederationRecord{}, err
	}

	var staged []docstore.Staged
	if m.op.RequiresDocuments() {
		staged, err = s.stagePair(ctx, m.id, m.op, *m.front, *m.back)
		if err != nil {
			return domain.FederationRecord{}, err
		}
	}

	// Cleanup must run even when the caller's context is done.
	cleanupCtx := context.WithoutCancel(ctx)
	discard := func() {
		if len(staged) == 0 {
			return
		}
		if derr := s.docs.Discard(cleanupCtx, staged...); derr != nil {
			s.log.Warn("discard staged documents", zap.String("member_id", string(m.id)), zap.Error(derr))
		}
	}

	unlock, err := s.lockMember(ctx, m.id, m.op)
	if err != nil {
		discard()
		return domain.FederationRecord{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		discard()
		return domain.FederationRecord{}, storageFailure(m.id, "", m.op, err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	cur, err := s.load(rctx, m.id, m.op)
	cancel()
	if err != nil {
		discard()
		return domain.FederationRecord{}, err
	}
	if cur.Version != snap.Version {
		discard()
		if _, ok := transitions[edge{effective, cur.State}]; !ok {
			return domain.FederationRecord{}, invalidTransition(m.id, cur.State, m.op)
		}
		return domain.FederationRecord{}, concurrentModification(m.id, m.op, nil)
	}

	var pub docstore.Publication
	if len(staged) > 0 {
		pctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
		start := time.Now()
		pub, err = s.docs.Publish(pctx, staged...)
		cancel()
		s.metrics.observeStorage("publish", start)
		if err != nil {
			discard()
			return domain.FederationRecord{}, storageFailure(m.id, "", m.op, err)
		}
		next.FrontImageRef = pub.Ref(domain.DocumentSideFront)
		next.BackImageRef = pub.Ref(domain.DocumentSideBack)
		next.LastDocumentUpdate = clockport.Today(s.clk)
	}
	next.UpdatedAt = s.clk.Now().UTC()

	rollback := func() {
		if len(staged) == 0 {
			return
		}
		start := time.Now()
		rbctx, cancel := context.WithTimeout(cleanupCtx, s.storageTimeout)
		defer cancel()
		if rerr := s.docs.Rollback(rbctx, pub); rerr != nil {
			s.log.Error("roll back published documents", zap.String("member_id", string(m.id)), zap.Error(rerr))
		}
		s.metrics.observeStorage("rollback", start)
		discard()
	}

	if err := ctx.Err(); err != nil {
		rollback()
		return domain.FederationRecord{}, storageFailure(m.id, "", m.op, err)
	}

	// Past this point the write is not abandoned on caller cancellation: a statement
	// cancelled in flight may still commit, and rolling back then would orphan the record.
	stored, err := s.persist(cleanupCtx, next)
	if err != nil {
		if errors.Is(err, federationrepo.ErrConflict) {
			rollback()
			return domain.FederationRecord{}, concurrentModification(m.id, m.op, err)
		}
		if !s.persisted(cleanupCtx, m.id, snap.Version, next) {
			rollback()
			return domain.FederationRecord{}, storageFailure(m.id, "", m.op, err)
		}
		s.log.Warn("persist reported an error but the record was written",
			zap.String("member_id", string(m.id)), zap.Error(err))
		stored = federationrepo.FromDomain(next)
		stored.Version = snap.Version + 1
	}

	if len(staged) > 0 {
		start := time.Now()
		if cerr := s.docs.Commit(cleanupCtx, pub); cerr != nil {
			// The record already points at the new pair; leftovers are removed by the staging sweep.
			s.log.Warn("drop replaced documents", zap.String("member_id", string(m.id)), zap.Error(cerr))
		}
		s.metrics.observeStorage("commit", start)
		for _, st := range staged {
			s.metrics.addDocumentBytes(int(st.Size))
		}
	}

	out := stored.ToDomain()
	s.metrics.observeTransition(string(snap.State), string(out.State))
	s.emit(cleanupCtx, effective, snap.State, out)
	return out, nil
}

// lockMember claims the member in the record store, waiting at most the storage timeout.
func (s *Service) lockMember(ctx context.Context, id domain.MemberID, op Operation) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	start := time.Now()
	unlock, err := s.records.Lock(lctx, id)
	s.metrics.observeStorage("lock", start)
	if err == nil {
		return unlock, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, storageFailure(id, "", op, ctxErr)
	}
	if errors.Is(err, federationrepo.ErrLocked) {
		return nil, concurrentModification(id, op, err)
	}
	return nil, storageFailure(id, "", op, err)
}

func (s *Service) persist(ctx context.Context, next domain.FederationRecord) (federationrepo.Record, error) {
	wctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	start := time.Now()
	defer s.metrics.observeStorage("persist", start)
	return s.records.Upsert(wctx, federationrepo.FromDomain(next))
}

// persisted reports whether an Upsert that returned an error still stored next. Only a
// definite answer from a fresh read counts; an unreadable store is treated as not written.
func (s *Service) persisted(ctx context.Context, id domain.MemberID, readVersion int64, next domain.FederationRecord) bool {
	vctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	r, err := s.records.Get(vctx, id)
	if err != nil {
		return false
	}
	return r.Version == readVersion+1 &&
		r.State == next.State &&
		r.FrontImageRef == next.FrontImageRef &&
		r.BackImageRef == next.BackImageRef &&
		r.AutoRenew == next.AutoRenew
}

// stagePair writes both uploads to temporary names concurrently. If either fails,
// whatever was staged is discarded.
func (s *Service) stagePair(ctx context.Context, id domain.MemberID, op Operation, front, back domain.Upload) ([]docstore.Staged, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	start := time.Now()
	defer s.metrics.observeStorage("stage", start)

	uploads := []struct {
		side   domain.DocumentSide
		upload domain.Upload
	}{
		{domain.DocumentSideFront, front},
		{domain.DocumentSideBack, back},
	}
	staged := make([]docstore.Staged, len(uploads))

	g, gctx := errgroup.WithContext(sctx)
	for i, u := range uploads {
		g.Go(func() error {
			st, err := s.docs.Stage(gctx, id, u.side, u.upload)
			if err != nil {
				return documentError(id, u.side, op, err)
			}
			staged[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var written []docstore.Staged
		for _, st := range staged {
			if st.Key != "" {
				written = append(written, st)
			}
		}
		if len(written) > 0 {
			if derr := s.docs.Discard(context.WithoutCancel(ctx), written...); derr != nil {
				s.log.Warn("discard staged documents", zap.String("member_id", string(id)), zap.Error(derr))
			}
		}
		return nil, err
	}
	return staged, nil
}

func (s *Service) resolveMember(ctx context.Context, email domain.Email, op Operation) (domain.MemberID, error) {
	normalized := domain.NormalizeEmail(email)
	if normalized == "" {
		return "", memberNotFound(email)
	}
	id, err := s.directory.ResolveMemberID(ctx, normalized)
	if err != nil {
		if errors.Is(err, memberdirectory.ErrNotFound) {
			return "", memberNotFound(email)
		}
		return "", storageFailure("", "", op, err)
	}
	if err := domain.ValidateMemberID(id); err != nil {
		return "", storageFailure(id, "", op, err)
	}
	return id, nil
}

// load returns the member's record; absence is the implicit NOT_FEDERATED record.
func (s *Service) load(ctx context.Context, id domain.MemberID, op Operation) (domain.FederationRecord, error) {
	r, err := s.records.Get(ctx, id)
	if errors.Is(err, federationrepo.ErrNotFound) {
		return domain.NewFederationRecord(id), nil
	}
	if err != nil {
		return domain.FederationRecord{}, storageFailure(id, "", op, err)
	}
	return r.ToDomain(), nil
}

func (s *Service) emit(ctx context.Context, op Operation, from domain.FederationState, rec domain.FederationRecord) {
	if s.events == nil {
		return
	}
	t := events.Transition{
		ID:         s.newEventID(),
		MemberID:   rec.MemberID,
		Operation:  string(op),
		From:       from,
		To:         rec.State,
		AutoRenew:  rec.AutoRenew,
		OccurredAt: rec.UpdatedAt,
	}
	if err := s.events.Publish(ctx, t); err != nil {
		s.log.Warn("publish transition event",
			zap.String("member_id", string(rec.MemberID)),
			zap.String("operation", string(op)),
			zap.Error(err))
	}
}

// run wraps an operation returning a record with a span, metrics and logging.
func (s *Service) run(ctx context.Context, op Operation, fn func(context.Context) (domain.FederationRecord, error)) (domain.FederationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "federation."+string(op))
	defer span.End()

	rec, err := fn(ctx)
	if err != nil {
		s.fail(span, op, err)
		return domain.FederationRecord{}, err
	}
	span.SetAttributes(
		attribute.String("member.id", string(rec.MemberID)),
		attribute.String("federation.state", string(rec.State)),
	)
	s.metrics.observeOperation(op, nil)
	if op != OpGetRecord {
		s.log.Info("federation record updated",
			zap.String("member_id", string(rec.MemberID)),
			zap.String("operation", string(op)),
			zap.String("state", string(rec.State)),
			zap.Int64("version", rec.Version))
	}
	return rec, nil
}

func (s *Service) fail(span trace.Span, op Operation, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))
	s.metrics.observeOperation(op, err)

	fields := []zap.Field{zap.String("operation", string(op)), zap.Error(err)}
	var e *Error
	if errors.As(err, &e) && e.MemberID != "" {
		fields = append(fields, zap.String("member_id", string(e.MemberID)))
	}
	if KindOf(err) == KindStorageFailure || KindOf(err) == "" {
		s.log.Error("federation operation failed", fields...)
		return
	}
	s.log.Debug("federation operation rejected", fields...)
}
