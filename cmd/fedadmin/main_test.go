package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsdocstore "github.com/chess-club/federation-api/internal/adapters/filesystem/docstore"
	memclock "github.com/chess-club/federation-api/internal/adapters/memory/clock"
	memfederationrepo "github.com/chess-club/federation-api/internal/adapters/memory/federationrepo"
	memidempotency "github.com/chess-club/federation-api/internal/adapters/memory/idempotency"
	memmemberdirectory "github.com/chess-club/federation-api/internal/adapters/memory/memberdirectory"
	"github.com/chess-club/federation-api/internal/app/federation"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/platform/backends"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
)

type fixture struct {
	app  *app
	docs *fsdocstore.Store
	clk  *memclock.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs, err := fsdocstore.New(t.TempDir(), docstore.DefaultPolicy())
	require.NoError(t, err)
	dir := memmemberdirectory.NewDirectory()
	require.NoError(t, dir.Put("m1@club.test", "M1"))
	require.NoError(t, dir.Put("m2@club.test", "M2"))
	clk := memclock.NewManualClock(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))

	set := &backends.Set{
		Records:     memfederationrepo.NewRepo(),
		Documents:   docs,
		Directory:   dir,
		Idempotency: memidempotency.NewStore(),
	}
	return &fixture{
		app: &app{
			svc:   federation.NewService(set.Records, docs, dir, clk),
			set:   set,
			clock: clk,
		},
		docs: docs,
		clk:  clk,
	}
}

func (f *fixture) register(t *testing.T, email domain.Email) {
	t.Helper()
	_, err := f.app.svc.RegisterFederation(context.Background(), email,
		domain.Upload{Filename: "front.jpg", Data: []byte("f")},
		domain.Upload{Filename: "back.jpg", Data: []byte("b")},
		true)
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	f.app.out = nil
	root := newRootCmd(func(context.Context, bool) (*app, error) { return f.app, nil })
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFedadmin_ApproveThenList(t *testing.T) {
	f := newFixture(t)
	f.register(t, "m1@club.test")
	f.register(t, "m2@club.test")

	out, err := f.run(t, "approve", "M1", "M2")
	require.NoError(t, err)
	assert.Contains(t, out, "M1 → FEDERATED")
	assert.Contains(t, out, "M2 → FEDERATED")

	out, err = f.run(t, "list", "--state", "federated")
	require.NoError(t, err)
	assert.Contains(t, out, "M1")
	assert.Contains(t, out, "M2")
	assert.Contains(t, out, "2024-03-10")
	assert.Contains(t, out, "2 record(s)")
}

func TestFedadmin_PartialFailureExitsNonZero(t *testing.T) {
	f := newFixture(t)
	f.register(t, "m1@club.test")

	out, err := f.run(t, "revoke", "M1", "M2")
	require.Error(t, err)
	assert.ErrorIs(t, err, federation.ErrInvalidTransition)
	assert.Contains(t, out, "✗ M1")
	assert.Contains(t, out, "✗ M2")
	assert.ErrorContains(t, err, "2 of 2 member(s) failed")

	out, err = f.run(t, "confirm", "M1")
	require.NoError(t, err)
	assert.Contains(t, out, "M1 → FEDERATED")
}

func TestFedadmin_Show(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "show", "m2@club.test")
	require.NoError(t, err)
	assert.Contains(t, out, "NOT_FEDERATED")

	_, err = f.run(t, "show", "ghost@club.test")
	require.ErrorIs(t, err, federation.ErrNotFound)
}

func TestFedadmin_SweepStaging(t *testing.T) {
	f := newFixture(t)

	staged, err := f.docs.Stage(context.Background(), "M1", domain.DocumentSideFront, domain.Upload{Filename: "front.jpg", Data: []byte("x")})
	require.NoError(t, err)
	old := f.clk.Now().Add(-48 * time.Hour)
	path := filepath.Join(f.docs.BaseDir(), filepath.FromSlash(staged.Key))
	require.NoError(t, os.Chtimes(path, old, old))

	out, err := f.run(t, "sweep-staging", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 staged document(s)")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFedadmin_PurgeIdempotencyWithoutExpiry(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "purge-idempotency")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to purge")
}
