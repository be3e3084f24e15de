package queuestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-ingestd/internal/corerr"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/testutil"
)

func TestCreateOrTouch(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)

	res, err := s.CreateOrTouch(ctx, "g1", 4)
	require.NoError(t, err)
	assert.Equal(t, Created, res)

	res, err = s.CreateOrTouch(ctx, "g1", 4)
	require.NoError(t, err)
	assert.Equal(t, Existed, res)
}

func TestAddSubbandIsIdempotentLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 4)
	require.NoError(t, err)

	require.NoError(t, s.AddSubband(ctx, "g1", 0, "/a/sb00.hdf5", 100))
	require.NoError(t, s.AddSubband(ctx, "g1", 0, "/a/sb00-retransmit.hdf5", 200))

	n, err := s.CountSubbands(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimOneReadyClaimsOldestPendingOnce(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)
	_, err = s.SetState(ctx, "g1", domain.GroupPending, "")
	require.NoError(t, err)

	g, err := s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, domain.GroupInProgress, g.State)
	assert.Equal(t, "worker-1", g.ClaimedBy)

	again, err := s.ClaimOneReady(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)

	_, err = s.SetState(ctx, "g1", domain.GroupCompleted, "")
	require.Error(t, err)
	assert.Equal(t, corerr.KindValidation, corerr.KindOf(err))
}

func TestFinishFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)
	_, err = s.SetState(ctx, "g1", domain.GroupPending, "")
	require.NoError(t, err)
	_, err = s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, s.FinishFailure(ctx, "g1", errors.New("boom"), 1, 0))
	g, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupPending, g.State)
	assert.Equal(t, 1, g.RetryCount)

	_, err = s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.FinishFailure(ctx, "g1", errors.New("boom again"), 1, 0))
	g, err = s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupFailed, g.State)
	assert.Equal(t, 2, g.RetryCount)
}

func TestFinishFailureBackoffGatesReclaim(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)
	_, err = s.SetState(ctx, "g1", domain.GroupPending, "")
	require.NoError(t, err)
	_, err = s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, s.FinishFailure(ctx, "g1", errors.New("boom"), 5, 100*time.Millisecond))

	again, err := s.ClaimOneReady(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, again, "group with a future next_retry_at must not be reclaimed yet")

	time.Sleep(120 * time.Millisecond)

	ready, err := s.ClaimOneReady(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, "worker-2", ready.ClaimedBy)
}

func TestRetryResumesAtFailedStage(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)
	_, err = s.SetState(ctx, "g1", domain.GroupPending, "")
	require.NoError(t, err)
	_, err = s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.SetProcessingStage(ctx, "g1", domain.StageCalibrate))

	require.NoError(t, s.FinishFailure(ctx, "g1", errors.New("boom"), 5, 0))

	g, err := s.ClaimOneReady(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, domain.StageCalibrate, g.ProcessingStage, "reclaim must preserve the stage the group failed on")
}

func TestResetToPendingRequiresFailed(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)

	err = s.ResetToPending(ctx, "g1")
	require.Error(t, err)
}

func TestReapStuckClaimsReturnsGroupToPending(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), nil)
	_, err := s.CreateOrTouch(ctx, "g1", 1)
	require.NoError(t, err)
	_, err = s.SetState(ctx, "g1", domain.GroupPending, "")
	require.NoError(t, err)
	_, err = s.ClaimOneReady(ctx, "worker-1")
	require.NoError(t, err)

	n, err := s.ReapStuckClaims(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupPending, g.State)
	assert.Equal(t, 1, g.RetryCount)
}
