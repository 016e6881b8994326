package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgpanel/internal/models"
)

const hour = int64(time.Hour / time.Millisecond)

func TestPlan_OnHoldWithoutTrafficIsExemptFromExpiry(t *testing.T) {
	now := int64(1_000_000)
	peers := []models.Peer{{
		ID:             1,
		Name:           "idle",
		Status:         models.PeerStatusOnHold,
		ExpireTime:     now - hour, // даже с прошедшим дедлайном
		OnHoldDuration: hour,
	}}

	assert.Empty(t, Plan(now, peers), "onhold without traffic must not transition on a time-driven run")
}

func TestPlan_FirstTrafficActivatesAndSetsDeadline(t *testing.T) {
	now := int64(5_000_000)
	peers := []models.Peer{{
		ID:                  7,
		Name:                "fresh",
		Status:              models.PeerStatusOnHold,
		OnHoldDuration:      hour,
		TotalReceivedVolume: 42,
	}}

	ts := Plan(now, peers)
	require.Len(t, ts, 1)
	assert.Equal(t, models.PeerStatusActive, ts[0].Status)
	require.NotNil(t, ts[0].StartTime)
	require.NotNil(t, ts[0].ExpireTime)
	assert.Equal(t, now, *ts[0].StartTime)
	assert.Equal(t, now+hour, *ts[0].ExpireTime, "relative hold window becomes an absolute deadline")
}

func TestPlan_ActivationIsNotExpiredOnTheSameRun(t *testing.T) {
	now := int64(5_000_000)
	peers := []models.Peer{{
		ID:                  7,
		Name:                "fresh",
		Status:              models.PeerStatusOnHold,
		ExpireTime:          now - hour, // мусор с создания, активация его перепишет
		OnHoldDuration:      hour,
		TotalReceivedVolume: 1,
	}}

	ts := Plan(now, peers)
	require.Len(t, ts, 1)
	assert.Equal(t, models.PeerStatusActive, ts[0].Status)
}

func TestPlan_OverBudgetBecomesLimited(t *testing.T) {
	now := int64(9_000_000)
	peers := []models.Peer{{
		ID:                  3,
		Name:                "greedy",
		Status:              models.PeerStatusActive,
		TotalVolume:         100,
		TotalReceivedVolume: 150,
	}}

	ts := Plan(now, peers)
	require.Len(t, ts, 1)
	assert.Equal(t, models.PeerStatusLimited, ts[0].Status)
}

func TestPlan_UnmeteredPeerNeverLimited(t *testing.T) {
	now := int64(9_000_000)
	peers := []models.Peer{{
		ID:                  3,
		Status:              models.PeerStatusActive,
		TotalVolume:         0, // безлимит
		TotalReceivedVolume: 1 << 40,
	}}

	assert.Empty(t, Plan(now, peers))
}

func TestPlan_PastDeadlineExpiresRegardlessOfTraffic(t *testing.T) {
	now := int64(9_000_000)
	for _, status := range []models.PeerStatus{models.PeerStatusActive, models.PeerStatusDisabled} {
		peers := []models.Peer{{
			ID:         4,
			Name:       "old",
			Status:     status,
			ExpireTime: now - 1,
		}}
		ts := Plan(now, peers)
		require.Len(t, ts, 1, "status %s", status)
		assert.Equal(t, models.PeerStatusExpired, ts[0].Status)
	}
}

func TestPlan_ZeroExpireTimeMeansNoDeadline(t *testing.T) {
	now := int64(9_000_000)
	peers := []models.Peer{{
		ID:     5,
		Status: models.PeerStatusActive,
	}}

	assert.Empty(t, Plan(now, peers))
}

func TestPlan_OverBudgetAndExpiredAreIndependent(t *testing.T) {
	now := int64(9_000_000)
	peers := []models.Peer{{
		ID:                  6,
		Name:                "both",
		Status:              models.PeerStatusActive,
		ExpireTime:          now - 1,
		TotalVolume:         100,
		TotalReceivedVolume: 150,
	}}

	ts := Plan(now, peers)
	require.Len(t, ts, 2)
	assert.Equal(t, models.PeerStatusLimited, ts[0].Status)
	assert.Equal(t, models.PeerStatusExpired, ts[1].Status)
}

// -------- Run --------

type fakeStore struct {
	peers   []models.Peer
	readErr error
	failFor map[uint]error

	applied []Transition
}

func (f *fakeStore) TransitionCandidates(context.Context, int64) ([]models.Peer, error) {
	return f.peers, f.readErr
}

func (f *fakeStore) ApplyTransition(_ context.Context, t Transition) error {
	if err := f.failFor[t.PeerID]; err != nil {
		return err
	}
	f.applied = append(f.applied, t)
	return nil
}

func TestRun_CandidateReadFailureAbortsRun(t *testing.T) {
	st := &fakeStore{readErr: errors.New("connection refused")}
	err := New(st).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, st.applied)
}

func TestRun_PerPeerFailureDoesNotStopTheBatch(t *testing.T) {
	boom := errors.New("row lock timeout")
	st := &fakeStore{
		peers: []models.Peer{
			{ID: 1, Name: "a", Status: models.PeerStatusActive, TotalVolume: 10, TotalReceivedVolume: 20},
			{ID: 2, Name: "b", Status: models.PeerStatusActive, TotalVolume: 10, TotalReceivedVolume: 20},
		},
		failFor: map[uint]error{1: boom},
	}

	err := New(st).Run(context.Background())
	require.ErrorIs(t, err, boom, "per-peer failures must surface after the batch")
	require.Len(t, st.applied, 1)
	assert.Equal(t, uint(2), st.applied[0].PeerID)
}

func TestRun_AppliesPlannedTransitions(t *testing.T) {
	st := &fakeStore{
		peers: []models.Peer{
			{ID: 1, Name: "hold", Status: models.PeerStatusOnHold, OnHoldDuration: hour, TotalReceivedVolume: 5},
		},
	}

	require.NoError(t, New(st).Run(context.Background()))
	require.Len(t, st.applied, 1)
	assert.Equal(t, models.PeerStatusActive, st.applied[0].Status)
	require.NotNil(t, st.applied[0].ExpireTime)
}
