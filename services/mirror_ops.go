package services

import (
	"context"
	"strings"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/chain"
	"bounty-escrow-service/models"

	"go.uber.org/zap"
)

// Mirror-only operations. None of these touch the chain.

func (s *ReconciliationService) Get(ctx context.Context, ref string) (*models.Bounty, error) {
	return s.Resolve(ctx, ref)
}

func (s *ReconciliationService) List(ctx context.Context, f Filter, p Page, srt Sort) ([]models.Bounty, int64, error) {
	total, err := s.Store.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.Store.FindByFilter(ctx, f, p, srt)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Delete removes the mirror row. The escrow on chain is unaffected.
func (s *ReconciliationService) Delete(ctx context.Context, ref string) error {
	b, err := s.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	s.Logger.Warn("deleting bounty mirror", zap.String("id", b.ID), zap.Uint64p("contract_id", b.ContractID))
	return s.Store.Delete(ctx, b.ID)
}

type MetadataUpdate struct {
	Title        *string
	Requirements []string
	Tags         []string
}

// UpdateMetadata edits the off-chain fields. Only the client may edit, and
// only while the bounty is still open.
func (s *ReconciliationService) UpdateMetadata(ctx context.Context, ref, actor string, in MetadataUpdate) (*models.Bounty, error) {
	b, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if actor != b.ClientAddress {
		return nil, bounty.NewTransitionError(bounty.CodeNotAuthorized, b.Status, nil, "only the client can edit a bounty")
	}
	if b.Status != bounty.StatusOpen {
		return nil, bounty.NewTransitionError(bounty.CodeWrongStatus, b.Status, []bounty.Status{bounty.StatusOpen},
			"bounty can only be edited while open")
	}

	fields := map[string]any{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, bounty.Validation(bounty.CodeInvalidInput, "title cannot be empty")
		}
		fields["title"] = title
	}
	if in.Requirements != nil {
		fields["requirements"] = in.Requirements
	}
	if in.Tags != nil {
		fields["tags"] = in.Tags
	}
	return s.Store.Update(ctx, b.ID, fields)
}

// SubmitWork records a deliverable from the assigned freelancer.
func (s *ReconciliationService) SubmitWork(ctx context.Context, ref, actor, description string, links []string) (*models.Submission, error) {
	b, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if b.Status != bounty.StatusAccepted {
		return nil, bounty.NewTransitionError(bounty.CodeWrongStatus, b.Status, []bounty.Status{bounty.StatusAccepted},
			"work can only be submitted on an accepted bounty")
	}
	if b.FreelancerAddress == "" || actor != b.FreelancerAddress {
		return nil, bounty.NewTransitionError(bounty.CodeNotAuthorized, b.Status, nil, "only the freelancer can submit work")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, bounty.Validation(bounty.CodeInvalidInput, "description is required")
	}
	sub, err := s.Store.AddSubmission(ctx, &models.Submission{
		BountyID:          b.ID,
		FreelancerAddress: actor,
		Description:       description,
		Links:             links,
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("work submitted", zap.String("id", b.ID), zap.Int("sequence", sub.Sequence))
	return sub, nil
}

// AvailableActions lists what actor could do next, judged on the mirror.
func (s *ReconciliationService) AvailableActions(b *models.Bounty, actor string) []bounty.Action {
	addr, err := chain.ParseAddress("actor", actor)
	if err != nil || b.ContractID == nil {
		return []bounty.Action{}
	}
	rec, err := b.Record()
	if err != nil {
		return []bounty.Action{}
	}
	out := bounty.Allowed(rec, addr, s.Now())
	if out == nil {
		out = []bounty.Action{}
	}
	return out
}
