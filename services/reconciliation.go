package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/chain"
	"bounty-escrow-service/metrics"
	"bounty-escrow-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BoxArchiver keeps raw box snapshots outside the chain.
type BoxArchiver interface {
	ArchiveBox(ctx context.Context, appID, bountyID, round uint64, raw []byte) error
}

type ReconcilerConfig struct {
	AppID              uint64
	ConfirmationRounds uint64
	AmountEpsilonMicro uint64
}

// ReconciliationService drives every chain action and keeps the mirror in
// step with the boxes it produces.
type ReconciliationService struct {
	Builder  *chain.Builder
	Gateway  chain.Gateway
	Store    MirrorStore
	Archiver BoxArchiver
	Logger   *zap.Logger
	Now      func() time.Time

	appID     uint64
	maxRounds uint64
	epsilon   uint64
}

func NewReconciliationService(gw chain.Gateway, store MirrorStore, logger *zap.Logger, cfg ReconcilerConfig) *ReconciliationService {
	if cfg.ConfirmationRounds == 0 {
		cfg.ConfirmationRounds = 10
	}
	if cfg.AmountEpsilonMicro == 0 {
		cfg.AmountEpsilonMicro = 1000
	}
	return &ReconciliationService{
		Builder:   chain.NewBuilder(cfg.AppID, gw),
		Gateway:   gw,
		Store:     store,
		Logger:    logger.Named("reconcile"),
		Now:       time.Now,
		appID:     cfg.AppID,
		maxRounds: cfg.ConfirmationRounds,
		epsilon:   cfg.AmountEpsilonMicro,
	}
}

type CreateInput struct {
	Title           string
	Description     string
	Requirements    []string
	Tags            []string
	ClientAddress   string
	VerifierAddress string
	AmountMicro     uint64
	Deadline        time.Time
}

func (in CreateInput) params(now time.Time) chain.CreateParams {
	return chain.CreateParams{
		Client:          in.ClientAddress,
		Verifier:        in.VerifierAddress,
		AmountMicro:     in.AmountMicro,
		Deadline:        in.Deadline,
		TaskDescription: in.Description,
		Now:             now,
	}
}

// Result of a submitted create or action. Pending means the confirmation
// wait ran out; the transaction may still land.
type Result struct {
	Bounty         *models.Bounty
	TxID           string
	ConfirmedRound uint64
	Pending        bool
}

type ActionRequest struct {
	Ref    string // mirror uuid or contract id
	Action bounty.Action
	Actor  string
}

// PrepareCreate builds the unsigned create group for an external wallet.
func (s *ReconciliationService) PrepareCreate(ctx context.Context, in CreateInput) (*chain.Group, error) {
	return s.Builder.BuildCreate(ctx, in.params(s.Now()))
}

// CreateBounty builds, signs, submits and confirms a create, then mirrors it.
// Creating a bounty whose contract id is already mirrored updates that row.
func (s *ReconciliationService) CreateBounty(ctx context.Context, in CreateInput, signer chain.Signer) (*Result, error) {
	group, err := s.Builder.BuildCreate(ctx, in.params(s.Now()))
	if err != nil {
		return nil, err
	}

	txID, round, err := s.signAndSubmit(ctx, group, signer)
	mirror := &models.Bounty{
		Title:           strings.TrimSpace(in.Title),
		Description:     group.Task,
		Requirements:    in.Requirements,
		Tags:            in.Tags,
		ClientAddress:   group.Sender.String(),
		VerifierAddress: group.Verifier.String(),
		AmountMicro:     in.AmountMicro,
		Deadline:        time.Unix(in.Deadline.Unix(), 0).UTC(),
		Status:          bounty.StatusOpen,
		CreateTxID:      txID,
	}
	if errors.Is(err, bounty.ErrConfirmationTimeout) {
		s.Logger.Warn("create not confirmed yet, mirroring without contract id",
			zap.String("tx_id", txID), zap.String("client", mirror.ClientAddress))
		metrics.PendingCreates.Inc()
		stored, serr := s.Store.Create(ctx, mirror)
		if serr != nil {
			return nil, serr
		}
		return &Result{Bounty: stored, TxID: txID, Pending: true}, nil
	}
	if err != nil {
		return nil, err
	}

	contractID, raw := s.resolveCreatedID(ctx, group, in.AmountMicro)
	mirror.ContractID = contractID
	mirror.LastSyncedRound = round

	stored, err := s.upsert(ctx, mirror)
	if err != nil {
		return nil, err
	}
	if contractID != nil {
		s.archive(ctx, *contractID, round, raw)
	}
	metrics.Transitions.WithLabelValues(string(bounty.ActionCreate)).Inc()
	s.Logger.Info("bounty created",
		zap.String("id", stored.ID), zap.Uint64p("contract_id", contractID), zap.String("tx_id", txID))
	return &Result{Bounty: stored, TxID: txID, ConfirmedRound: round}, nil
}

// resolveCreatedID finds the id the chain assigned: counter-1 when its box
// matches, else the id the group referenced, else nil for backfill to fix.
func (s *ReconciliationService) resolveCreatedID(ctx context.Context, group *chain.Group, amount uint64) (*uint64, []byte) {
	candidates := []uint64{group.BountyID}
	if counter, err := s.Gateway.ReadGlobalCounter(ctx, s.appID); err == nil && counter > 0 && counter-1 != group.BountyID {
		candidates = append([]uint64{counter - 1}, candidates...)
	}
	for _, id := range candidates {
		rec, raw, err := s.Gateway.ReadBoxRecord(ctx, s.appID, id)
		if err != nil {
			continue
		}
		if rec.Client == group.Sender && s.amountMatches(rec.AmountMicro, amount) {
			found := id
			return &found, raw
		}
	}
	s.Logger.Warn("could not match confirmed create to a box", zap.Uint64("predicted", group.BountyID))
	return nil, nil
}

// upsert creates the mirror, folding a duplicate contract id into an update
// of the row that already holds it.
func (s *ReconciliationService) upsert(ctx context.Context, m *models.Bounty) (*models.Bounty, error) {
	stored, err := s.Store.Create(ctx, m)
	if !errors.Is(err, bounty.ErrDuplicateContractID) {
		return stored, err
	}
	metrics.DuplicateContractIDRecoveries.Inc()
	existing, ferr := s.Store.FindByContractID(ctx, *m.ContractID)
	if ferr != nil {
		return nil, ferr
	}
	s.Logger.Info("contract id already mirrored, updating", zap.Uint64("contract_id", *m.ContractID), zap.String("id", existing.ID))
	return s.Store.Update(ctx, existing.ID, map[string]any{
		"title":             m.Title,
		"requirements":      m.Requirements,
		"tags":              m.Tags,
		"create_tx_id":      m.CreateTxID,
		"last_synced_round": m.LastSyncedRound,
	})
}

// PrepareAction validates the action against current chain state and returns
// the unsigned call.
func (s *ReconciliationService) PrepareAction(ctx context.Context, req ActionRequest) (*chain.Group, *models.Bounty, error) {
	mirror, rec, _, err := s.plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	group, err := s.Builder.BuildAction(ctx, req.Action, *mirror.ContractID, req.Actor, rec)
	if err != nil {
		return nil, nil, err
	}
	return group, mirror, nil
}

// PerformAction runs one lifecycle action end to end and updates the mirror.
func (s *ReconciliationService) PerformAction(ctx context.Context, req ActionRequest, signer chain.Signer) (*Result, error) {
	mirror, rec, next, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	contractID := *mirror.ContractID

	group, err := s.Builder.BuildAction(ctx, req.Action, contractID, req.Actor, rec)
	if err != nil {
		return nil, err
	}

	txID, round, err := s.signAndSubmit(ctx, group, signer)
	if errors.Is(err, bounty.ErrConfirmationTimeout) {
		stored, uerr := s.Store.Update(ctx, mirror.ID, map[string]any{txColumn(req.Action): txID})
		if uerr != nil {
			return nil, uerr
		}
		return &Result{Bounty: stored, TxID: txID, Pending: true}, nil
	}
	if err != nil {
		return nil, err
	}

	final := next
	if onChain, raw, rerr := s.Gateway.ReadBoxRecord(ctx, s.appID, contractID); rerr == nil {
		final = onChain
		s.archive(ctx, contractID, round, raw)
	} else {
		s.Logger.Warn("box re-read failed, trusting local transition",
			zap.Uint64("contract_id", contractID), zap.Error(rerr))
	}

	fields := models.ChainFields(final)
	fields[txColumn(req.Action)] = txID
	fields["last_synced_round"] = round
	stored, err := s.Store.Update(ctx, mirror.ID, fields)
	if err != nil {
		return nil, err
	}

	switch {
	case req.Action == bounty.ActionApprove:
		err = s.Store.ResolveLatestSubmission(ctx, mirror.ID, models.SubmissionApproved)
	case final.Status == bounty.StatusRejected:
		err = s.Store.ResolveLatestSubmission(ctx, mirror.ID, models.SubmissionRejected)
	}
	if err != nil {
		s.Logger.Warn("submission status not updated", zap.String("id", mirror.ID), zap.Error(err))
	}

	metrics.Transitions.WithLabelValues(string(req.Action)).Inc()
	s.Logger.Info("bounty action confirmed",
		zap.String("action", string(req.Action)),
		zap.Uint64("contract_id", contractID),
		zap.String("status", final.Status.String()),
		zap.String("tx_id", txID))
	return &Result{Bounty: stored, TxID: txID, ConfirmedRound: round}, nil
}

// plan loads the mirror and the chain record and runs the state machine.
func (s *ReconciliationService) plan(ctx context.Context, req ActionRequest) (*models.Bounty, bounty.Record, bounty.Record, error) {
	var zero bounty.Record
	if !req.Action.Valid() || req.Action == bounty.ActionCreate {
		return nil, zero, zero, bounty.Validation(bounty.CodeInvalidInput, "unsupported action %q", req.Action)
	}
	actor, err := chain.ParseAddress("actor", req.Actor)
	if err != nil {
		return nil, zero, zero, err
	}
	mirror, err := s.Resolve(ctx, req.Ref)
	if err != nil {
		return nil, zero, zero, err
	}
	if mirror.ContractID == nil {
		return nil, zero, zero, bounty.Validation(bounty.CodeInvalidInput,
			"bounty %s has no contract id yet; retry after it is confirmed", mirror.ID)
	}

	rec, err := s.currentRecord(ctx, mirror)
	if err != nil {
		return nil, zero, zero, err
	}
	next, err := bounty.Transition(rec, req.Action, actor, s.Now())
	if err != nil {
		if be, ok := bounty.As(err); ok {
			metrics.TransitionRejections.WithLabelValues(string(be.Code)).Inc()
		}
		return nil, zero, zero, err
	}
	return mirror, rec, next, nil
}

// currentRecord prefers the box; the mirror stands in when the box cannot be read.
func (s *ReconciliationService) currentRecord(ctx context.Context, mirror *models.Bounty) (bounty.Record, error) {
	rec, _, err := s.Gateway.ReadBoxRecord(ctx, s.appID, *mirror.ContractID)
	if err == nil {
		return rec, nil
	}
	s.Logger.Warn("box read failed, using mirror",
		zap.Uint64("contract_id", *mirror.ContractID), zap.Error(err))
	return mirror.Record()
}

func (s *ReconciliationService) signAndSubmit(ctx context.Context, group *chain.Group, signer chain.Signer) (string, uint64, error) {
	action := string(group.Action)
	blobs, err := signer.SignTransactions(ctx, group.Txns)
	if err != nil {
		if _, ok := bounty.As(err); ok {
			return "", 0, err
		}
		return "", 0, bounty.Signer(bounty.CodeUserRejected, err, "signer failed")
	}

	txID, err := s.Gateway.Submit(ctx, blobs)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(action, "rejected").Inc()
		return "", 0, err
	}
	round, err := s.Gateway.AwaitConfirmation(ctx, txID, s.maxRounds)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(action, "unconfirmed").Inc()
		return txID, 0, err
	}
	metrics.ChainSubmissions.WithLabelValues(action, "confirmed").Inc()
	return txID, round, nil
}

// SyncTransactionID records a transaction id submitted outside this service
// and refreshes the mirror from the chain when possible.
func (s *ReconciliationService) SyncTransactionID(ctx context.Context, ref string, action bounty.Action, txID string) (*models.Bounty, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "transaction id is required")
	}
	if !action.Valid() {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "unsupported action %q", action)
	}
	mirror, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	stored, err := s.Store.Update(ctx, mirror.ID, map[string]any{txColumn(action): txID})
	if err != nil {
		return nil, err
	}
	if stored.ContractID == nil {
		return stored, nil
	}
	refreshed, err := s.RefreshFromChain(ctx, stored.ID)
	if err != nil {
		s.Logger.Warn("refresh after tx sync failed", zap.String("id", stored.ID), zap.Error(err))
		return stored, nil
	}
	return refreshed, nil
}

// RefreshFromChain overwrites the chain-owned mirror columns with the box.
func (s *ReconciliationService) RefreshFromChain(ctx context.Context, ref string) (*models.Bounty, error) {
	mirror, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if mirror.ContractID == nil {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "bounty %s has no contract id yet", mirror.ID)
	}
	rec, raw, err := s.Gateway.ReadBoxRecord(ctx, s.appID, *mirror.ContractID)
	if err != nil {
		return nil, err
	}
	s.archive(ctx, *mirror.ContractID, mirror.LastSyncedRound, raw)
	if rec.Status == mirror.Status && freelancerOf(rec) == mirror.FreelancerAddress {
		return mirror, nil
	}
	s.Logger.Info("mirror was stale",
		zap.String("id", mirror.ID), zap.String("mirror", mirror.Status.String()), zap.String("chain", rec.Status.String()))
	return s.Store.Update(ctx, mirror.ID, models.ChainFields(rec))
}

type BackfillReport struct {
	Missing   int      `json:"missing"`
	Scanned   int      `json:"scanned"`
	Filled    int      `json:"filled"`
	Unmatched []string `json:"unmatched"`
}

// BackfillMissingContractIDs matches mirror rows without a contract id to
// unclaimed boxes by client and amount. It only fills NULLs.
func (s *ReconciliationService) BackfillMissingContractIDs(ctx context.Context) (*BackfillReport, error) {
	started := time.Now()
	defer func() { metrics.BackfillDuration.Observe(time.Since(started).Seconds()) }()

	report := &BackfillReport{Unmatched: []string{}}
	var missing []models.Bounty
	for page := 1; ; page++ {
		rows, err := s.Store.FindByFilter(ctx, Filter{MissingContractID: true},
			Page{Page: page, Limit: maxPageLimit}, Sort{Field: "created_at"})
		if err != nil {
			return nil, err
		}
		missing = append(missing, rows...)
		if len(rows) < maxPageLimit {
			break
		}
	}
	report.Missing = len(missing)
	if len(missing) == 0 {
		return report, nil
	}

	ids, err := s.Gateway.ListBountyIDs(ctx, s.appID)
	if err != nil {
		s.Logger.Warn("box listing failed, probing by counter", zap.Error(err))
		counter, cerr := s.Gateway.ReadGlobalCounter(ctx, s.appID)
		if cerr != nil {
			return nil, cerr
		}
		ids = make([]uint64, 0, counter)
		for id := uint64(0); id < counter; id++ {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	used, err := s.Store.ContractIDsInUse(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id  uint64
		rec bounty.Record
	}
	var candidates []candidate
	for _, id := range ids {
		if used[id] {
			continue
		}
		rec, _, err := s.Gateway.ReadBoxRecord(ctx, s.appID, id)
		if err != nil {
			s.Logger.Debug("skipping unreadable box", zap.Uint64("contract_id", id), zap.Error(err))
			continue
		}
		report.Scanned++
		candidates = append(candidates, candidate{id: id, rec: rec})
	}

	for _, row := range missing {
		matched := false
		for i, c := range candidates {
			if used[c.id] || c.rec.Client.String() != row.ClientAddress || !s.amountMatches(c.rec.AmountMicro, row.AmountMicro) {
				continue
			}
			changed, err := s.Store.AssignContractID(ctx, row.ID, c.id)
			used[c.id] = true
			if err != nil {
				if errors.Is(err, bounty.ErrDuplicateContractID) {
					continue
				}
				return report, err
			}
			if changed {
				if _, err := s.Store.Update(ctx, row.ID, models.ChainFields(candidates[i].rec)); err != nil {
					s.Logger.Warn("backfilled row not synced", zap.String("id", row.ID), zap.Error(err))
				}
				report.Filled++
				metrics.BackfillFilled.Inc()
				s.Logger.Info("backfilled contract id", zap.String("id", row.ID), zap.Uint64("contract_id", c.id))
			}
			matched = true
			break
		}
		if !matched {
			report.Unmatched = append(report.Unmatched, row.ID)
		}
	}
	return report, nil
}

type SweepReport struct {
	Expired  int `json:"expired"`
	Refunded int `json:"refunded"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// SweepExpired auto-refunds every open or accepted bounty past its deadline,
// signing as the service account.
func (s *ReconciliationService) SweepExpired(ctx context.Context, signer *chain.LocalSigner) (*SweepReport, error) {
	now := s.Now().UTC()
	filter := Filter{
		Statuses:       []bounty.Status{bounty.StatusOpen, bounty.StatusAccepted},
		DeadlineBefore: &now,
		HasContractID:  true,
	}
	// refunds move rows out of the filter, so read every page before acting
	var rows []models.Bounty
	for page := 1; ; page++ {
		batch, err := s.Store.FindByFilter(ctx, filter, Page{Page: page, Limit: maxPageLimit}, Sort{Field: "deadline"})
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
		if len(batch) < maxPageLimit {
			break
		}
	}

	report := &SweepReport{Expired: len(rows)}
	for _, row := range rows {
		res, err := s.PerformAction(ctx, ActionRequest{
			Ref:    row.ID,
			Action: bounty.ActionAutoRefund,
			Actor:  signer.Address().String(),
		}, signer)
		switch {
		case err != nil:
			report.Failed++
			metrics.ExpiredRefunds.WithLabelValues("failed").Inc()
			s.Logger.Warn("auto refund failed", zap.String("id", row.ID), zap.Error(err))
		case res.Pending:
			report.Pending++
			metrics.ExpiredRefunds.WithLabelValues("pending").Inc()
		default:
			report.Refunded++
			metrics.ExpiredRefunds.WithLabelValues("refunded").Inc()
		}
	}
	return report, nil
}

// Resolve finds a mirror row by uuid or by numeric contract id.
func (s *ReconciliationService) Resolve(ctx context.Context, ref string) (*models.Bounty, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return s.Store.FindByID(ctx, ref)
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.Store.FindByContractID(ctx, id)
	}
	return nil, bounty.NotFound("bounty %q", ref)
}

func (s *ReconciliationService) amountMatches(a, b uint64) bool {
	if a > b {
		return a-b < s.epsilon
	}
	return b-a < s.epsilon
}

func (s *ReconciliationService) archive(ctx context.Context, contractID, round uint64, raw []byte) {
	if s.Archiver == nil || len(raw) == 0 {
		return
	}
	if err := s.Archiver.ArchiveBox(ctx, s.appID, contractID, round, raw); err != nil {
		metrics.SnapshotsArchived.WithLabelValues("failed").Inc()
		s.Logger.Warn("box snapshot not archived", zap.Uint64("contract_id", contractID), zap.Error(err))
		return
	}
	metrics.SnapshotsArchived.WithLabelValues("ok").Inc()
}

func txColumn(action bounty.Action) string {
	return string(action) + "_tx_id"
}

func freelancerOf(rec bounty.Record) string {
	if rec.Freelancer == nil {
		return ""
	}
	return rec.Freelancer.String()
}

// RefreshActive re-reads the box of every open or accepted bounty and fixes
// mirrors that fell behind, e.g. after a pending action or a wallet that
// submitted directly to the chain. It returns how many rows changed.
func (s *ReconciliationService) RefreshActive(ctx context.Context) (int, error) {
	// collect first; refreshed rows drop out of the filter and would shift pages
	var active []models.Bounty
	f := Filter{
		Statuses:      []bounty.Status{bounty.StatusOpen, bounty.StatusAccepted},
		HasContractID: true,
	}
	for page := 1; ; page++ {
		rows, err := s.Store.FindByFilter(ctx, f, Page{Page: page, Limit: maxPageLimit}, Sort{Field: "contract_id"})
		if err != nil {
			return 0, err
		}
		active = append(active, rows...)
		if len(rows) < maxPageLimit {
			break
		}
	}

	changed := 0
	for i := range active {
		row := &active[i]
		rec, _, err := s.Gateway.ReadBoxRecord(ctx, s.appID, *row.ContractID)
		if err != nil {
			s.Logger.Debug("box unreadable during refresh", zap.Uint64("contract_id", *row.ContractID), zap.Error(err))
			continue
		}
		if rec.Status == row.Status && freelancerOf(rec) == row.FreelancerAddress {
			continue
		}
		if _, err := s.Store.Update(ctx, row.ID, models.ChainFields(rec)); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
