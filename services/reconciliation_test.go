package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/chain"
	"bounty-escrow-service/models"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAppID = 4242

type harness struct {
	svc      *ReconciliationService
	chain    *fakeChain
	store    *GormMirrorStore
	archiver *fakeArchiver
	client   *chain.LocalSigner
	verifier *chain.LocalSigner
	worker   *chain.LocalSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := newFakeChain()
	store := NewGormMirrorStore(newTestDB(t))
	svc := NewReconciliationService(fc, store, zap.NewNop(), ReconcilerConfig{AppID: testAppID, ConfirmationRounds: 4})
	archiver := &fakeArchiver{}
	svc.Archiver = archiver
	return &harness{
		svc:      svc,
		chain:    fc,
		store:    store,
		archiver: archiver,
		client:   chain.NewLocalSignerFromAccount(crypto.GenerateAccount()),
		verifier: chain.NewLocalSignerFromAccount(crypto.GenerateAccount()),
		worker:   chain.NewLocalSignerFromAccount(crypto.GenerateAccount()),
	}
}

func (h *harness) input() CreateInput {
	return CreateInput{
		Title:           "Build X",
		Description:     "Build X end to end",
		Tags:            []string{"go"},
		ClientAddress:   h.client.Address().String(),
		VerifierAddress: h.verifier.Address().String(),
		AmountMicro:     5_000_000,
		Deadline:        time.Now().Add(7 * 24 * time.Hour),
	}
}

func (h *harness) create(t *testing.T) *models.Bounty {
	t.Helper()
	res, err := h.svc.CreateBounty(context.Background(), h.input(), h.client)
	require.NoError(t, err)
	require.False(t, res.Pending)
	return res.Bounty
}

func (h *harness) act(ref string, action bounty.Action, signer *chain.LocalSigner) (*Result, error) {
	return h.svc.PerformAction(context.Background(), ActionRequest{
		Ref:    ref,
		Action: action,
		Actor:  signer.Address().String(),
	}, signer)
}

func TestCreateBounty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBounty(ctx, h.input(), h.client)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.NotEmpty(t, res.TxID)
	assert.Equal(t, res.TxID, res.Bounty.CreateTxID)
	require.NotNil(t, res.Bounty.ContractID)
	assert.Equal(t, uint64(0), *res.Bounty.ContractID)
	assert.Equal(t, bounty.StatusOpen, res.Bounty.Status)
	assert.Equal(t, h.verifier.Address().String(), res.Bounty.VerifierAddress)
	assert.Equal(t, res.ConfirmedRound, res.Bounty.LastSyncedRound)

	rec, ok := h.chain.box(0)
	require.True(t, ok)
	assert.Equal(t, h.client.Address(), rec.Client)
	assert.Equal(t, uint64(5_000_000), rec.AmountMicro)
	assert.Len(t, h.archiver.saved, 1)

	second, err := h.svc.CreateBounty(ctx, h.input(), h.client)
	require.NoError(t, err)
	require.NotNil(t, second.Bounty.ContractID)
	assert.Equal(t, uint64(1), *second.Bounty.ContractID)
}

func TestCreateBountyMirrorsWhatTheChainStores(t *testing.T) {
	h := newHarness(t)
	in := h.input()
	in.Description = "  cafe\u0301 menu  "
	in.VerifierAddress = ""

	res, err := h.svc.CreateBounty(context.Background(), in, h.client)
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9 menu", res.Bounty.Description)
	assert.Equal(t, h.client.Address().String(), res.Bounty.VerifierAddress)

	rec, ok := h.chain.box(*res.Bounty.ContractID)
	require.True(t, ok)
	assert.Equal(t, rec.TaskDescription, res.Bounty.Description)
	assert.Equal(t, rec.Verifier.String(), res.Bounty.VerifierAddress)
}

func TestCreateBountyValidatesBeforeChain(t *testing.T) {
	h := newHarness(t)
	in := h.input()
	in.AmountMicro = 0
	_, err := h.svc.CreateBounty(context.Background(), in, h.client)
	assert.ErrorIs(t, err, bounty.ErrInvalidAmount)
	assert.Zero(t, h.chain.submits)

	in = h.input()
	in.Deadline = time.Now().Add(-time.Minute)
	_, err = h.svc.CreateBounty(context.Background(), in, h.client)
	assert.ErrorIs(t, err, bounty.ErrDeadlineInPast)
	assert.Zero(t, h.chain.submits)
}

func TestCreateBountyDuplicateContractIDUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// a backfill already mirrored contract 0 under another title
	earlier := sampleBounty(h.client.Address().String())
	earlier.Title = "placeholder"
	earlier.ContractID = uptr(0)
	stored, err := h.store.Create(ctx, earlier)
	require.NoError(t, err)

	res, err := h.svc.CreateBounty(ctx, h.input(), h.client)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, res.Bounty.ID)
	assert.Equal(t, "Build X", res.Bounty.Title)
	assert.Equal(t, res.TxID, res.Bounty.CreateTxID)

	n, err := h.store.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCreateBountyConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.chain.timeout = true

	res, err := h.svc.CreateBounty(context.Background(), h.input(), h.client)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Bounty.ContractID)
	assert.Equal(t, res.TxID, res.Bounty.CreateTxID)

	// the group landed anyway; backfill picks it up
	h.chain.timeout = false
	report, err := h.svc.BackfillMissingContractIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)

	got, err := h.svc.Get(context.Background(), res.Bounty.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContractID)
	assert.Equal(t, uint64(0), *got.ContractID)
}

func TestCreateBountyCounterRace(t *testing.T) {
	h := newHarness(t)
	h.chain.raceCreates = 1

	_, err := h.svc.CreateBounty(context.Background(), h.input(), h.client)
	require.Error(t, err)
	assert.ErrorIs(t, err, bounty.ErrBoxRefMismatch)
	be, ok := bounty.As(err)
	require.True(t, ok)
	assert.True(t, be.Retryable())

	n, err := h.store.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// rebuilding picks up the new counter
	res, err := h.svc.CreateBounty(context.Background(), h.input(), h.client)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), *res.Bounty.ContractID)
}

func TestCreateBountySignerFailure(t *testing.T) {
	h := newHarness(t)
	failing := signerFunc(func(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
		return nil, errors.New("wallet closed")
	})
	_, err := h.svc.CreateBounty(context.Background(), h.input(), failing)
	assert.ErrorIs(t, err, bounty.ErrUserRejected)
	assert.Zero(t, h.chain.submits)
}

func TestPerformActionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)

	res, err := h.act(created.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusAccepted, res.Bounty.Status)
	assert.Equal(t, h.worker.Address().String(), res.Bounty.FreelancerAddress)
	assert.Equal(t, res.TxID, res.Bounty.AcceptTxID)

	_, err = h.svc.SubmitWork(ctx, created.ID, h.worker.Address().String(), "done, see PR", []string{"https://example.com/pr/1"})
	require.NoError(t, err)

	// contract id works as a reference too
	res, err = h.act("0", bounty.ActionApprove, h.verifier)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusClaimed, res.Bounty.Status)
	assert.Equal(t, res.TxID, res.Bounty.ApproveTxID)

	got, err := h.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Submissions, 1)
	assert.Equal(t, models.SubmissionApproved, got.Submissions[0].Status)

	rec, _ := h.chain.box(0)
	assert.Equal(t, bounty.StatusClaimed, rec.Status)

	_, err = h.act(created.ID, bounty.ActionRefund, h.client)
	assert.ErrorIs(t, err, bounty.ErrWrongStatus)
}

func TestPerformActionRejectsLocally(t *testing.T) {
	h := newHarness(t)
	created := h.create(t)
	before := h.chain.submits

	_, err := h.act(created.ID, bounty.ActionAccept, h.client)
	assert.ErrorIs(t, err, bounty.ErrNotAuthorized)

	_, err = h.act(created.ID, bounty.ActionAutoRefund, h.worker)
	assert.ErrorIs(t, err, bounty.ErrDeadlineNotReached)

	_, err = h.act(created.ID, bounty.ActionClaim, h.worker)
	assert.ErrorIs(t, err, bounty.ErrWrongStatus)

	assert.Equal(t, before, h.chain.submits, "nothing reached the chain")
}

func TestPerformActionChainConflict(t *testing.T) {
	h := newHarness(t)
	created := h.create(t)
	h.chain.submitErr = chain.ClassifySubmitError(errors.New("logic eval error: assert failed pc=120"))

	_, err := h.act(created.ID, bounty.ActionAccept, h.worker)
	assert.ErrorIs(t, err, bounty.ErrTransitionConflict)

	got, err := h.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, got.Status)
	assert.Empty(t, got.AcceptTxID)
}

func TestPerformActionVerifierRefundRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)
	_, err := h.act(created.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)
	_, err = h.svc.SubmitWork(ctx, created.ID, h.worker.Address().String(), "draft", nil)
	require.NoError(t, err)

	res, err := h.act(created.ID, bounty.ActionRefund, h.verifier)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusRejected, res.Bounty.Status)
	assert.Equal(t, res.TxID, res.Bounty.RefundTxID)

	got, err := h.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Submissions, 1)
	assert.Equal(t, models.SubmissionRejected, got.Submissions[0].Status)
}

func TestPerformActionPendingAndStaleMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)

	h.chain.timeout = true
	res, err := h.act(created.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, bounty.StatusOpen, res.Bounty.Status)
	assert.Equal(t, res.TxID, res.Bounty.AcceptTxID)

	// the chain moved on; a refresh brings the mirror up to date
	h.chain.timeout = false
	got, err := h.svc.RefreshFromChain(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusAccepted, got.Status)
	assert.Equal(t, h.worker.Address().String(), got.FreelancerAddress)
}

func TestPerformActionWithoutContractID(t *testing.T) {
	h := newHarness(t)
	row, err := h.store.Create(context.Background(), sampleBounty(h.client.Address().String()))
	require.NoError(t, err)

	_, err = h.act(row.ID, bounty.ActionAccept, h.worker)
	assert.ErrorIs(t, err, bounty.ErrValidation)
	_, err = h.act("nope", bounty.ActionAccept, h.worker)
	assert.ErrorIs(t, err, bounty.ErrNotFound)
}

func TestSyncTransactionID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)

	// a wallet submitted the accept directly
	group, _, err := h.svc.PrepareAction(ctx, ActionRequest{Ref: created.ID, Action: bounty.ActionAccept, Actor: h.worker.Address().String()})
	require.NoError(t, err)
	blobs, err := h.worker.SignTransactions(ctx, group.Txns)
	require.NoError(t, err)
	txID, err := h.chain.Submit(ctx, blobs)
	require.NoError(t, err)

	got, err := h.svc.SyncTransactionID(ctx, created.ID, bounty.ActionAccept, txID)
	require.NoError(t, err)
	assert.Equal(t, txID, got.AcceptTxID)
	assert.Equal(t, bounty.StatusAccepted, got.Status)

	_, err = h.svc.SyncTransactionID(ctx, created.ID, bounty.ActionAccept, " ")
	assert.ErrorIs(t, err, bounty.ErrValidation)
}

func TestBackfillMissingContractIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := crypto.GenerateAccount().Address, crypto.GenerateAccount().Address
	deadline := uint64(time.Now().Add(time.Hour).Unix())

	h.chain.put(0, bounty.Record{Client: alice, Verifier: alice, AmountMicro: 5_000_000, DeadlineUnix: deadline, Status: bounty.StatusAccepted, Freelancer: &bob})
	h.chain.put(1, bounty.Record{Client: bob, Verifier: bob, AmountMicro: 3_000_000, DeadlineUnix: deadline})
	h.chain.put(2, bounty.Record{Client: alice, Verifier: alice, AmountMicro: 2_000_000, DeadlineUnix: deadline})

	mirrored := sampleBounty(alice.String())
	mirrored.AmountMicro = 2_000_000
	mirrored.ContractID = uptr(2)
	_, err := h.store.Create(ctx, mirrored)
	require.NoError(t, err)

	aliceRow := sampleBounty(alice.String())
	aliceRow.AmountMicro = 5_000_500
	aliceRow, err = h.store.Create(ctx, aliceRow)
	require.NoError(t, err)

	bobRow := sampleBounty(bob.String())
	bobRow.AmountMicro = 9_000_000
	bobRow, err = h.store.Create(ctx, bobRow)
	require.NoError(t, err)

	report, err := h.svc.BackfillMissingContractIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Missing)
	assert.Equal(t, 2, report.Scanned, "box 2 is already mirrored")
	assert.Equal(t, 1, report.Filled)
	assert.Equal(t, []string{bobRow.ID}, report.Unmatched)

	got, err := h.store.FindByID(ctx, aliceRow.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContractID)
	assert.Equal(t, uint64(0), *got.ContractID)
	assert.Equal(t, bounty.StatusAccepted, got.Status)
	assert.Equal(t, bob.String(), got.FreelancerAddress)

	t.Run("falls back to counter probing", func(t *testing.T) {
		h.chain.listErr = errors.New("boxes endpoint disabled")
		report, err := h.svc.BackfillMissingContractIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Missing)
		assert.Equal(t, 1, report.Scanned)
		assert.Zero(t, report.Filled)
	})
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)
	second := h.create(t)
	_, err := h.act(second.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)

	later := time.Now().Add(30 * 24 * time.Hour)
	h.svc.Now = func() time.Time { return later }
	h.chain.now = h.svc.Now

	service := chain.NewLocalSignerFromAccount(crypto.GenerateAccount())
	report, err := h.svc.SweepExpired(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 2, report.Refunded)
	assert.Zero(t, report.Failed)

	for _, id := range []string{created.ID, second.ID} {
		got, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, bounty.StatusRefunded, got.Status)
		assert.NotEmpty(t, got.AutoRefundTxID)
	}

	report, err = h.svc.SweepExpired(ctx, service)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
}

func TestSweepExpiredReachesPastFailingRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)

	// a full page of expired rows whose boxes are gone, all due before the real one
	client := h.client.Address().String()
	for i := 0; i <= maxPageLimit; i++ {
		stale := sampleBounty(client)
		stale.ContractID = uptr(1000 + uint64(i))
		stale.Deadline = time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		_, err := h.store.Create(ctx, stale)
		require.NoError(t, err)
	}

	later := time.Now().Add(30 * 24 * time.Hour)
	h.svc.Now = func() time.Time { return later }
	h.chain.now = h.svc.Now

	service := chain.NewLocalSignerFromAccount(crypto.GenerateAccount())
	report, err := h.svc.SweepExpired(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, maxPageLimit+2, report.Expired)
	assert.Equal(t, maxPageLimit+1, report.Failed)
	assert.Equal(t, 1, report.Refunded)

	got, err := h.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusRefunded, got.Status)
}

func TestMirrorOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t)
	client := h.client.Address().String()

	title := "  Build X, properly "
	got, err := h.svc.UpdateMetadata(ctx, created.ID, client, MetadataUpdate{Title: &title, Tags: []string{"go", "sdk"}})
	require.NoError(t, err)
	assert.Equal(t, "Build X, properly", got.Title)
	assert.Equal(t, []string{"go", "sdk"}, got.Tags)

	_, err = h.svc.UpdateMetadata(ctx, created.ID, h.worker.Address().String(), MetadataUpdate{Title: &title})
	assert.ErrorIs(t, err, bounty.ErrNotAuthorized)

	_, err = h.svc.SubmitWork(ctx, created.ID, h.worker.Address().String(), "early", nil)
	assert.ErrorIs(t, err, bounty.ErrWrongStatus)

	assert.Equal(t, []bounty.Action{bounty.ActionAccept}, h.svc.AvailableActions(got, h.worker.Address().String()))
	assert.ElementsMatch(t, []bounty.Action{bounty.ActionRefund}, h.svc.AvailableActions(got, client))
	assert.Empty(t, h.svc.AvailableActions(got, "garbage"))

	items, total, err := h.svc.List(ctx, Filter{Participant: client}, Page{}, Sort{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, items, 1)

	_, err = h.act(created.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)
	_, err = h.svc.UpdateMetadata(ctx, created.ID, client, MetadataUpdate{Title: &title})
	assert.ErrorIs(t, err, bounty.ErrWrongStatus)

	require.NoError(t, h.svc.Delete(ctx, created.ID))
	_, err = h.svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, bounty.ErrNotFound)
}

type signerFunc func(ctx context.Context, txns []types.Transaction) ([][]byte, error)

func (f signerFunc) SignTransactions(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	return f(ctx, txns)
}

func TestRefreshActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t)
	h.create(t)

	h.chain.timeout = true
	_, err := h.act(first.ID, bounty.ActionAccept, h.worker)
	require.NoError(t, err)
	h.chain.timeout = false

	changed, err := h.svc.RefreshActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := h.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusAccepted, got.Status)

	changed, err = h.svc.RefreshActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}
