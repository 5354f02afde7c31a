package federation_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// gatedRepo holds the first Upsert until release is closed.
type gatedRepo struct {
	federationrepo.Repository
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRepo(repo federationrepo.Repository) *gatedRepo {
	return &gatedRepo{Repository: repo, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRepo) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.reached)
		<-g.release
	}
	return g.Repository.Upsert(ctx, rec)
}

// lockWatchRepo reports every Lock request before waiting for the lock.
type lockWatchRepo struct {
	federationrepo.Repository
	requested chan struct{}
}

func (l *lockWatchRepo) Lock(ctx context.Context, id domain.MemberID) (func(), error) {
	l.requested <- struct{}{}
	return l.Repository.Lock(ctx, id)
}

// upsertHook runs fn in place of Upsert, handing it the wrapped repository.
type upsertHook struct {
	federationrepo.Repository
	fn func(ctx context.Context, repo federationrepo.Repository, rec federationrepo.Record) (federationrepo.Record, error)
}

func (h *upsertHook) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	return h.fn(ctx, h.Repository, rec)
}

func (s *ServiceSuite) TestSharedStores_SecondInstanceWaitsForFirstWriter() {
	before := s.seedFederated("m1@club.test")

	// Two service instances over one record store and one document store.
	gated := newGatedRepo(s.records)
	first := s.newService(gated, s.docs)
	watched := &lockWatchRepo{Repository: s.records, requested: make(chan struct{}, 1)}
	second := s.newService(watched, s.docs)

	var (
		wg       conc.WaitGroup
		firstErr error
	)
	wg.Go(func() {
		_, firstErr = first.UpdateDocuments(s.ctx, "m1@club.test", frontPNG, backPNG)
	})
	<-gated.reached

	secondDone := make(chan error, 1)
	go func() {
		_, err := second.UpdateDocuments(s.ctx, "m1@club.test", frontJPG, backJPG)
		secondDone <- err
	}()
	<-watched.requested

	select {
	case err := <-secondDone:
		s.FailNow("second instance finished while the first held the member", "err=%v", err)
	default:
	}

	close(gated.release)
	wg.Wait()
	s.Require().NoError(firstErr)
	s.ErrorIs(<-secondDone, federation.ErrConcurrentModification)

	rec, err := s.svc.GetFederationRecordByID(s.ctx, "M1")
	s.Require().NoError(err)
	s.Equal(before.Version+1, rec.Version)
	front, err := s.docs.Load(s.ctx, rec.FrontImageRef)
	s.Require().NoError(err)
	s.Equal(frontPNG.Data, front)
	back, err := s.docs.Load(s.ctx, rec.BackImageRef)
	s.Require().NoError(err)
	s.Equal(backPNG.Data, back)

	published, staging := s.memberFiles("M1")
	s.Equal([]string{"back.png", "front.png"}, published)
	s.Empty(staging)
}

func (s *ServiceSuite) TestLockWaitTimeout_IsConcurrentModification() {
	_, err := s.svc.RegisterFederation(s.ctx, "m1@club.test", frontJPG, backJPG, false)
	s.Require().NoError(err)

	unlock, err := s.records.Lock(s.ctx, "M1")
	s.Require().NoError(err)
	defer unlock()

	svc := s.newService(s.records, s.docs, federation.WithStorageTimeout(20*time.Millisecond))
	_, err = svc.Approve(s.ctx, "M1")
	s.Require().ErrorIs(err, federation.ErrConcurrentModification)
	s.ErrorIs(err, federationrepo.ErrLocked)

	rec, err := s.svc.GetFederationRecordByID(s.ctx, "M1")
	s.Require().NoError(err)
	s.Equal(domain.FederationStatePending, rec.State)
}

func (s *ServiceSuite) TestPersist_IgnoresCallerCancellation() {
	before := s.seedFederated("m1@club.test")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	hook := &upsertHook{
		Repository: s.records,
		fn: func(wctx context.Context, repo federationrepo.Repository, rec federationrepo.Record) (federationrepo.Record, error) {
			// The caller gives up while the write is in flight.
			cancel()
			return repo.Upsert(wctx, rec)
		},
	}
	svc := s.newService(hook, s.docs)

	rec, err := svc.UpdateDocuments(ctx, "m1@club.test", frontPNG, backPNG)
	s.Require().NoError(err)
	s.Equal(before.Version+1, rec.Version)

	data, err := s.docs.Load(s.ctx, rec.FrontImageRef)
	s.Require().NoError(err)
	s.Equal(frontPNG.Data, data)
}

func (s *ServiceSuite) TestPersist_ErrorAfterCommitKeepsPublishedPair() {
	before := s.seedFederated("m1@club.test")

	hook := &upsertHook{
		Repository: s.records,
		fn: func(ctx context.Context, repo federationrepo.Repository, rec federationrepo.Record) (federationrepo.Record, error) {
			if _, err := repo.Upsert(ctx, rec); err != nil {
				return federationrepo.Record{}, err
			}
			return federationrepo.Record{}, context.Canceled
		},
	}
	svc := s.newService(hook, s.docs)

	rec, err := svc.UpdateDocuments(s.ctx, "m1@club.test", frontPNG, backPNG)
	s.Require().NoError(err)
	s.Equal(before.Version+1, rec.Version)

	stored, err := s.records.Get(s.ctx, "M1")
	s.Require().NoError(err)
	s.Equal(rec.FrontImageRef, stored.FrontImageRef)
	for _, ref := range []string{stored.FrontImageRef, stored.BackImageRef} {
		_, err := s.docs.Load(s.ctx, ref)
		s.NoError(err, ref)
	}
	published, staging := s.memberFiles("M1")
	s.Equal([]string{"back.png", "front.png"}, published)
	s.Empty(staging)
}

func (s *ServiceSuite) TestPersist_FailedWriteRollsBack() {
	before := s.seedFederated("m1@club.test")

	down := errors.New("connection reset")
	hook := &upsertHook{
		Repository: s.records,
		fn: func(context.Context, federationrepo.Repository, federationrepo.Record) (federationrepo.Record, error) {
			return federationrepo.Record{}, down
		},
	}
	svc := s.newService(hook, s.docs)

	_, err := svc.UpdateDocuments(s.ctx, "m1@club.test", frontPNG, backPNG)
	s.Require().ErrorIs(err, federation.ErrStorageFailure)
	s.ErrorIs(err, down)

	stored, err := s.records.Get(s.ctx, "M1")
	s.Require().NoError(err)
	s.Equal(before.Version, stored.Version)
	data, err := s.docs.Load(s.ctx, stored.FrontImageRef)
	s.Require().NoError(err)
	s.Equal(frontJPG.Data, data)
	published, staging := s.memberFiles("M1")
	s.Equal([]string{"back.jpg", "front.jpg"}, published)
	s.Empty(staging)
}
