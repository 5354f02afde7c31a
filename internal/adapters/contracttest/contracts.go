package contracttest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chess-club/federation-api/internal/domain"
	docstoreport "github.com/chess-club/federation-api/internal/ports/out/docstore"
	federationrepoport "github.com/chess-club/federation-api/internal/ports/out/federationrepo"
	idempotencyport "github.com/chess-club/federation-api/internal/ports/out/idempotency"
	memberdirectoryport "github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

type CleanupFunc = func()

type FederationRepoFactory func(t *testing.T) (federationrepoport.Repository, CleanupFunc)
type MemberDirectoryFactory func(t *testing.T, seed map[domain.Email]domain.MemberID) (memberdirectoryport.Directory, CleanupFunc)
type DocStoreFactory func(t *testing.T, policy docstoreport.Policy) (docstoreport.Store, CleanupFunc)
type IdemStoreFactory func(t *testing.T) (idempotencyport.Store, CleanupFunc)

func RunIdempotencyStore(t *testing.T, newStore IdemStoreFactory) {
	t.Helper()
	ctx := context.Background()

	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	fp := idempotencyport.Fingerprint{
		Key:      "k-1",
		Member:   domain.Email("alice@example.com"),
		Method:   "POST",
		Route:    "/members/{email}/federation",
		BodyHash: "hash-abc",
	}
	rec := idempotencyport.Record{
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{"state":"PENDING"}`),
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.Put(ctx, fp, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if string(got.Body) != `{"state":"PENDING"}` || got.ContentType != "application/json" || got.StatusCode != 201 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// A different body hash is a different request.
	other := fp
	other.BodyHash = "hash-def"
	if _, ok, err := store.Get(ctx, other); err != nil || ok {
		t.Fatalf("expected miss for different body hash, ok=%v err=%v", ok, err)
	}

	// Overwrite semantics.
	rec2 := rec
	rec2.Body = []byte(`{"state":"FEDERATED"}`)
	if err := store.Put(ctx, fp, rec2); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, ok, err = store.Get(ctx, fp)
	if err != nil || !ok || string(got.Body) != `{"state":"FEDERATED"}` {
		t.Fatalf("expected overwritten record, got ok=%v err=%v body=%q", ok, err, string(got.Body))
	}
}

func RunFederationRepo(t *testing.T, newRepo FederationRepoFactory) {
	t.Helper()
	ctx := context.Background()

	repo, cleanup := newRepo(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	id := domain.MemberID("contract-" + time.Now().UTC().Format("150405.000000000"))
	if _, err := repo.Get(ctx, id); !errors.Is(err, federationrepoport.ErrNotFound) {
		t.Fatalf("Get missing: err=%v, want ErrNotFound", err)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	created, err := repo.Upsert(ctx, federationrepoport.Record{
		MemberID:           id,
		State:              domain.FederationStatePending,
		AutoRenew:          true,
		LastDocumentUpdate: domain.DateOnly(now),
		FrontImageRef:      string(id) + "/front.jpg",
		BackImageRef:       string(id) + "/back.jpg",
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatalf("Upsert create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("created version=%d, want 1", created.Version)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.FederationStatePending || !got.AutoRenew || got.FrontImageRef != string(id)+"/front.jpg" || got.BackImageRef != string(id)+"/back.jpg" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.LastDocumentUpdate.Equal(domain.DateOnly(now)) {
		t.Fatalf("lastDocumentUpdate=%v, want %v", got.LastDocumentUpdate, domain.DateOnly(now))
	}
	if got.Version != 1 {
		t.Fatalf("stored version=%d, want 1", got.Version)
	}

	// Creating again from version 0 must conflict.
	if _, err := repo.Upsert(ctx, federationrepoport.Record{MemberID: id, State: domain.FederationStatePending}); !errors.Is(err, federationrepoport.ErrConflict) {
		t.Fatalf("Upsert stale create: err=%v, want ErrConflict", err)
	}

	// Update with the version we read.
	upd := got
	upd.State = domain.FederationStateFederated
	upd.UpdatedAt = now.Add(time.Hour)
	updated, err := repo.Upsert(ctx, upd)
	if err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if updated.Version != 2 || updated.State != domain.FederationStateFederated {
		t.Fatalf("unexpected updated record: %+v", updated)
	}

	// Replaying the same write is now stale.
	if _, err := repo.Upsert(ctx, upd); !errors.Is(err, federationrepoport.ErrConflict) {
		t.Fatalf("Upsert stale update: err=%v, want ErrConflict", err)
	}

	// Half pairs are rejected and leave the record untouched.
	bad := updated
	bad.BackImageRef = ""
	if _, err := repo.Upsert(ctx, bad); !errors.Is(err, federationrepoport.ErrInvalidRecord) {
		t.Fatalf("Upsert half pair: err=%v, want ErrInvalidRecord", err)
	}

	// Concurrent writers holding the same version: exactly one wins.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := updated
			next.State = domain.FederationStateNotFederated
			next.AutoRenew = false
			_, err := repo.Upsert(ctx, next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, federationrepoport.ErrConflict):
				conflicts++
			default:
				t.Errorf("concurrent Upsert: unexpected err=%v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 7 {
		t.Fatalf("concurrent Upsert wins=%d conflicts=%d, want 1/7", wins, conflicts)
	}

	// List includes the record, ordered by member id.
	other := domain.MemberID(string(id) + "-b")
	if _, err := repo.Upsert(ctx, federationrepoport.Record{MemberID: other, State: domain.FederationStateNotFederated}); err != nil {
		t.Fatalf("Upsert other: %v", err)
	}
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	idx := map[domain.MemberID]int{}
	for i, r := range all {
		idx[r.MemberID] = i
		if i > 0 && all[i-1].MemberID >= r.MemberID {
			t.Fatalf("List not ordered at %d: %q >= %q", i, all[i-1].MemberID, r.MemberID)
		}
	}
	if _, ok := idx[id]; !ok {
		t.Fatalf("List missing %q", id)
	}
	if _, ok := idx[other]; !ok {
		t.Fatalf("List missing %q", other)
	}

	// Lock excludes a second holder of the same member until unlock.
	unlock, err := repo.Lock(ctx, id)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err = repo.Lock(waitCtx, id)
	cancel()
	if !errors.Is(err, federationrepoport.ErrLocked) {
		t.Fatalf("Lock while held: err=%v, want ErrLocked", err)
	}
	unlock()
	again, err := repo.Lock(ctx, id)
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	again()
}

func RunMemberDirectory(t *testing.T, newDirectory MemberDirectoryFactory) {
	t.Helper()
	ctx := context.Background()

	dir, cleanup := newDirectory(t, map[domain.Email]domain.MemberID{
		"alice@example.com": "11111111H",
		"bob@example.com":   "22222222J",
	})
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	id, err := dir.ResolveMemberID(ctx, "alice@example.com")
	if err != nil || id != "11111111H" {
		t.Fatalf("Resolve alice: id=%q err=%v", id, err)
	}

	// Case-insensitive, trimmed.
	id, err = dir.ResolveMemberID(ctx, "  Bob@Example.COM ")
	if err != nil || id != "22222222J" {
		t.Fatalf("Resolve bob: id=%q err=%v", id, err)
	}

	if _, err := dir.ResolveMemberID(ctx, "nobody@example.com"); !errors.Is(err, memberdirectoryport.ErrNotFound) {
		t.Fatalf("Resolve unknown: err=%v, want ErrNotFound", err)
	}
}

func RunDocStore(t *testing.T, newStore DocStoreFactory) {
	t.Helper()
	ctx := context.Background()

	store, cleanup := newStore(t, docstoreport.Policy{AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"}, MaxBytes: 1024})
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	id := domain.MemberID("12345678Z")
	front := []byte("front-jpeg-bytes")

	// Round-trip.
	ref, err := store.Save(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "ID Front.JPG", Data: front})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, front) {
		t.Fatalf("Load returned %q, want %q", got, front)
	}

	// Whitelist and size.
	if _, err := store.Save(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "front.gif", Data: front}); !errors.Is(err, docstoreport.ErrUnsupportedFormat) {
		t.Fatalf("Save gif: err=%v, want ErrUnsupportedFormat", err)
	}
	if _, err := store.Save(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "noext", Data: front}); !errors.Is(err, docstoreport.ErrUnsupportedFormat) {
		t.Fatalf("Save without extension: err=%v, want ErrUnsupportedFormat", err)
	}
	if _, err := store.Save(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "big.png", Data: make([]byte, 2048)}); !errors.Is(err, docstoreport.ErrTooLarge) {
		t.Fatalf("Save oversized: err=%v, want ErrTooLarge", err)
	}

	// Overwrite with a different extension removes the stale file.
	ref2, err := store.Save(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "front.png", Data: []byte("front-png")})
	if err != nil {
		t.Fatalf("Save png: %v", err)
	}
	if ref2 == ref {
		t.Fatalf("expected a different reference for a different extension")
	}
	if _, err := store.Load(ctx, ref); !errors.Is(err, docstoreport.ErrNotFound) {
		t.Fatalf("Load stale ref: err=%v, want ErrNotFound", err)
	}

	// Publish + Rollback restores the previous document.
	stagedFront, err := store.Stage(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "f.jpg", Data: []byte("new-front")})
	if err != nil {
		t.Fatalf("Stage front: %v", err)
	}
	stagedBack, err := store.Stage(ctx, id, domain.DocumentSideBack, domain.Upload{Filename: "b.jpg", Data: []byte("new-back")})
	if err != nil {
		t.Fatalf("Stage back: %v", err)
	}
	pub, err := store.Publish(ctx, stagedFront, stagedBack)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if data, err := store.Load(ctx, pub.Ref(domain.DocumentSideFront)); err != nil || string(data) != "new-front" {
		t.Fatalf("Load published front: data=%q err=%v", data, err)
	}
	if err := store.Rollback(ctx, pub); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if data, err := store.Load(ctx, ref2); err != nil || string(data) != "front-png" {
		t.Fatalf("Load restored front: data=%q err=%v", data, err)
	}
	if _, err := store.Load(ctx, pub.Ref(domain.DocumentSideBack)); !errors.Is(err, docstoreport.ErrNotFound) {
		t.Fatalf("Load rolled back back: err=%v, want ErrNotFound", err)
	}

	// Publish + Commit replaces and drops the old extension.
	stagedFront, err = store.Stage(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "f.jpg", Data: []byte("final-front")})
	if err != nil {
		t.Fatalf("Stage front: %v", err)
	}
	stagedBack, err = store.Stage(ctx, id, domain.DocumentSideBack, domain.Upload{Filename: "b.webp", Data: []byte("final-back")})
	if err != nil {
		t.Fatalf("Stage back: %v", err)
	}
	pub, err = store.Publish(ctx, stagedFront, stagedBack)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := store.Commit(ctx, pub); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.Load(ctx, ref2); !errors.Is(err, docstoreport.ErrNotFound) {
		t.Fatalf("Load replaced png: err=%v, want ErrNotFound", err)
	}
	if data, err := store.Load(ctx, pub.Ref(domain.DocumentSideBack)); err != nil || string(data) != "final-back" {
		t.Fatalf("Load committed back: data=%q err=%v", data, err)
	}

	// Discard removes staging and is idempotent.
	staged, err := store.Stage(ctx, id, domain.DocumentSideFront, domain.Upload{Filename: "x.jpg", Data: []byte("tmp")})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := store.Discard(ctx, staged); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := store.Discard(ctx, staged); err != nil {
		t.Fatalf("Discard twice: %v", err)
	}
	if n, err := store.SweepStaging(ctx, time.Now().Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("SweepStaging after discard: n=%d err=%v", n, err)
	}

	// Delete is idempotent.
	backRef := pub.Ref(domain.DocumentSideBack)
	if err := store.Delete(ctx, backRef); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, backRef); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := store.Load(ctx, backRef); !errors.Is(err, docstoreport.ErrNotFound) {
		t.Fatalf("Load deleted: err=%v, want ErrNotFound", err)
	}

	// Unsafe member ids never reach the backend.
	if _, err := store.Stage(ctx, domain.MemberID("../escape"), domain.DocumentSideFront, domain.Upload{Filename: "x.jpg", Data: []byte("x")}); !errors.Is(err, domain.ErrInvalidMemberID) {
		t.Fatalf("Stage unsafe id: err=%v, want ErrInvalidMemberID", err)
	}
}
