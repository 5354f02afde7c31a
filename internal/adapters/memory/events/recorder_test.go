package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/events"
)

func TestRecorder_KeepsOrderAndReturnsCopies(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, events.Transition{ID: "1", MemberID: "12345678Z", To: domain.FederationStatePending}))
	require.NoError(t, r.Publish(ctx, events.Transition{ID: "2", MemberID: "12345678Z", To: domain.FederationStateFederated}))

	got := r.Transitions()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	got[0].ID = "changed"
	assert.Equal(t, "1", r.Transitions()[0].ID)
}

func TestRecorder_ReturnsConfiguredError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	r := &Recorder{Err: boom}
	err := r.Publish(context.Background(), events.Transition{ID: "1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, r.Transitions(), 1)
}
