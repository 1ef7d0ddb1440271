package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"bounty-escrow-service/chain"
	"bounty-escrow-service/services"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingReconciler struct {
	backfills atomic.Int32
	refreshes atomic.Int32
	sweeps    atomic.Int32
	fail      bool
}

func (r *countingReconciler) BackfillMissingContractIDs(ctx context.Context) (*services.BackfillReport, error) {
	r.backfills.Add(1)
	if r.fail {
		return nil, errors.New("algod unreachable")
	}
	return &services.BackfillReport{Missing: 1, Filled: 1}, nil
}

func (r *countingReconciler) RefreshActive(ctx context.Context) (int, error) {
	r.refreshes.Add(1)
	return 0, nil
}

func (r *countingReconciler) SweepExpired(ctx context.Context, signer *chain.LocalSigner) (*services.SweepReport, error) {
	r.sweeps.Add(1)
	return &services.SweepReport{}, nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	rec := &countingReconciler{}
	signer := chain.NewLocalSignerFromAccount(crypto.GenerateAccount())
	s, err := NewScheduler(rec, signer, SchedulerConfig{
		BackfillInterval:    20 * time.Millisecond,
		ExpirySweepInterval: 20 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Shutdown() }()

	assert.Eventually(t, func() bool {
		return rec.backfills.Load() >= 2 && rec.refreshes.Load() >= 2 && rec.sweeps.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerWithoutSigner(t *testing.T) {
	rec := &countingReconciler{fail: true}
	s, err := NewScheduler(rec, nil, SchedulerConfig{
		BackfillInterval:    20 * time.Millisecond,
		ExpirySweepInterval: 20 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return rec.refreshes.Load() >= 1 }, 2*time.Second, 10*time.Millisecond,
		"refresh still runs after a failed backfill")
	require.NoError(t, s.Shutdown())
	assert.Zero(t, rec.sweeps.Load())
}
