package federation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chess-club/federation-api/internal/domain"
)

func TestNextState_Grid(t *testing.T) {
	t.Parallel()

	const (
		none = domain.FederationState("")
		nf   = domain.FederationStateNotFederated
		pd   = domain.FederationStatePending
		fd   = domain.FederationStateFederated
	)
	states := []domain.FederationState{nf, pd, fd}
	want := map[Operation][3]domain.FederationState{
		//                   NOT_FEDERATED, PENDING, FEDERATED
		OpRegister:        {pd, none, pd},
		OpConfirm:         {none, fd, nf},
		OpApprove:         {none, fd, none},
		OpRevoke:          {none, none, nf},
		OpToggleAutoRenew: {none, none, fd},
		OpUpdateDocuments: {none, none, fd},
	}

	for op, row := range want {
		for i, from := range states {
			to, ok := NextState(op, from)
			if row[i] == none {
				assert.False(t, ok, "%s from %s should be rejected", op, from)
				continue
			}
			if assert.True(t, ok, "%s from %s should be allowed", op, from) {
				assert.Equal(t, row[i], to, "%s from %s", op, from)
			}
		}
	}
}

func TestApply_AutoRenew(t *testing.T) {
	t.Parallel()

	base := domain.FederationRecord{MemberID: "12345678Z"}

	t.Run("register stores the requested flag", func(t *testing.T) {
		cur := base
		cur.State = domain.FederationStateNotFederated
		next, err := apply(OpRegister, cur, true)
		require.NoError(t, err)
		assert.Equal(t, domain.FederationStatePending, next.State)
		assert.True(t, next.AutoRenew)
		assert.False(t, next.EffectiveAutoRenew())
	})

	t.Run("toggle flips", func(t *testing.T) {
		cur := base
		cur.State = domain.FederationStateFederated
		cur.AutoRenew = true
		next, err := apply(OpToggleAutoRenew, cur, false)
		require.NoError(t, err)
		assert.False(t, next.AutoRenew)
	})

	t.Run("revocation clears the flag", func(t *testing.T) {
		cur := base
		cur.State = domain.FederationStateFederated
		cur.AutoRenew = true
		next, err := apply(OpConfirm, cur, false)
		require.NoError(t, err)
		assert.Equal(t, domain.FederationStateNotFederated, next.State)
		assert.False(t, next.AutoRenew)
	})

	t.Run("approval keeps the flag", func(t *testing.T) {
		cur := base
		cur.State = domain.FederationStatePending
		cur.AutoRenew = true
		next, err := apply(OpApprove, cur, false)
		require.NoError(t, err)
		assert.True(t, next.EffectiveAutoRenew())
	})

	t.Run("rejection carries state and operation", func(t *testing.T) {
		cur := base
		cur.State = domain.FederationStatePending
		_, err := apply(OpRegister, cur, false)
		require.True(t, errors.Is(err, ErrInvalidTransition))
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, domain.FederationStatePending, e.State)
		assert.Equal(t, OpRegister, e.Operation)
		assert.Equal(t, 409, e.Status)
	})
}

func TestError_IsMatchesByKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := storageFailure("12345678Z", domain.DocumentSideBack, OpRegister, cause)

	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorageFailure, KindOf(err))
	assert.Contains(t, err.Error(), "back")
}
