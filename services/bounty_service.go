package services

import (
	"strconv"
	"strings"
	"time"

	"bounty-escrow-service/bounty"
	"bounty-escrow-service/chain"
	"bounty-escrow-service/middleware"
	"bounty-escrow-service/models"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// BountyService is the HTTP face of the reconciliation service.
type BountyService struct {
	Reconciler    *ReconciliationService
	Validate      *validator.Validate
	SignerTimeout time.Duration
	Logger        *zap.Logger
}

func NewBountyService(reconciler *ReconciliationService, signerTimeout time.Duration, logger *zap.Logger) *BountyService {
	if signerTimeout <= 0 {
		signerTimeout = 2 * time.Minute
	}
	return &BountyService{
		Reconciler:    reconciler,
		Validate:      NewValidator(logger),
		SignerTimeout: signerTimeout,
		Logger:        logger.Named("http"),
	}
}

type bountyView struct {
	*models.Bounty
	AmountAlgo       float64         `json:"amount_algo"`
	AvailableActions []bounty.Action `json:"available_actions,omitempty"`
}

func (s *BountyService) view(b *models.Bounty, actor string) bountyView {
	v := bountyView{Bounty: b, AmountAlgo: b.AmountAlgo()}
	if actor != "" {
		v.AvailableActions = s.Reconciler.AvailableActions(b, actor)
	}
	return v
}

func (s *BountyService) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC()})
}

// GET /bounties
func (s *BountyService) ListBounties(c *fiber.Ctx) error {
	f, err := parseFilter(c)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.list(c, f)
}

// GET /bounties/user/:address?type=created|accepted|all
func (s *BountyService) ListUserBounties(c *fiber.Ctx) error {
	addr, err := chain.ParseAddress("user", c.Params("address"))
	if err != nil {
		return s.writeError(c, err)
	}
	f, err := parseFilter(c)
	if err != nil {
		return s.writeError(c, err)
	}
	switch c.Query("type", "all") {
	case "created":
		f.ClientAddress = addr.String()
	case "accepted":
		f.FreelancerAddress = addr.String()
	case "all":
		f.Participant = addr.String()
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type must be created, accepted or all"})
	}
	return s.list(c, f)
}

func (s *BountyService) list(c *fiber.Ctx, f Filter) error {
	p := Page{Page: c.QueryInt("page", 1), Limit: c.QueryInt("limit", defaultPageLimit)}.normalize()
	srt := Sort{Field: c.Query("sort_by"), Desc: strings.ToLower(c.Query("sort_order", "desc")) == "desc"}

	items, total, err := s.Reconciler.List(c.UserContext(), f, p, srt)
	if err != nil {
		return s.writeError(c, err)
	}
	views := make([]bountyView, len(items))
	for i := range items {
		views[i] = s.view(&items[i], "")
	}
	return c.JSON(fiber.Map{
		"bounties": views,
		"total":    total,
		"page":     p.Page,
		"limit":    p.Limit,
	})
}

// GET /bounties/:id  (uuid or contract id; ?as=<address> adds available actions)
func (s *BountyService) GetBounty(c *fiber.Ctx) error {
	b, err := s.Reconciler.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(s.view(b, c.Query("as")))
}

// POST /bounties
func (s *BountyService) CreateBounty(c *fiber.Ctx) error {
	var req CreateBountyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.Validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Validation failed", "details": err.Error()})
	}

	in := CreateInput{
		Title:           req.Title,
		Description:     req.Description,
		Requirements:    req.Requirements,
		Tags:            req.Tags,
		ClientAddress:   middleware.Address(c),
		VerifierAddress: req.VerifierAddress,
		AmountMicro:     req.AmountMicro,
		Deadline:        req.Deadline,
	}

	if len(req.SignedTransactions) == 0 {
		group, err := s.Reconciler.PrepareCreate(c.UserContext(), in)
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(unsignedResponse(group))
	}

	signer, err := chain.NewPresignedSigner(req.SignedTransactions)
	if err != nil {
		return s.writeError(c, err)
	}
	res, err := s.Reconciler.CreateBounty(c.UserContext(), in, chain.WithTimeout(signer, s.SignerTimeout))
	if err != nil {
		return s.writeError(c, err)
	}
	return s.writeResult(c, res, fiber.StatusCreated)
}

// Action returns the handler for POST /bounties/:id/<action>.
func (s *BountyService) Action(action bounty.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body ActionRequestBody
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
			}
		}
		req := ActionRequest{Ref: c.Params("id"), Action: action, Actor: middleware.Address(c)}

		if len(body.SignedTransactions) == 0 {
			group, _, err := s.Reconciler.PrepareAction(c.UserContext(), req)
			if err != nil {
				return s.writeError(c, err)
			}
			return c.JSON(unsignedResponse(group))
		}

		signer, err := chain.NewPresignedSigner(body.SignedTransactions)
		if err != nil {
			return s.writeError(c, err)
		}
		res, err := s.Reconciler.PerformAction(c.UserContext(), req, chain.WithTimeout(signer, s.SignerTimeout))
		if err != nil {
			return s.writeError(c, err)
		}
		return s.writeResult(c, res, fiber.StatusOK)
	}
}

// PUT /bounties/:id
func (s *BountyService) UpdateBounty(c *fiber.Ctx) error {
	var req UpdateBountyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.Validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Validation failed", "details": err.Error()})
	}
	b, err := s.Reconciler.UpdateMetadata(c.UserContext(), c.Params("id"), middleware.Address(c), MetadataUpdate{
		Title:        req.Title,
		Requirements: req.Requirements,
		Tags:         req.Tags,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(s.view(b, middleware.Address(c)))
}

// POST /bounties/:id/submit
func (s *BountyService) SubmitWork(c *fiber.Ctx) error {
	var req SubmitWorkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.Validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Validation failed", "details": err.Error()})
	}
	sub, err := s.Reconciler.SubmitWork(c.UserContext(), c.Params("id"), middleware.Address(c), req.Description, req.Links)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// POST /bounties/:id/refresh
func (s *BountyService) RefreshBounty(c *fiber.Ctx) error {
	b, err := s.Reconciler.RefreshFromChain(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(s.view(b, middleware.Address(c)))
}

// PATCH /bounties/:id/transaction
func (s *BountyService) SyncTransaction(c *fiber.Ctx) error {
	var req SyncTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.Validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Validation failed", "details": err.Error()})
	}
	action := bounty.ActionCreate
	if req.Action != string(bounty.ActionCreate) {
		var err error
		if action, err = bounty.ParseAction(req.Action); err != nil {
			return s.writeError(c, err)
		}
	}
	b, err := s.Reconciler.SyncTransactionID(c.UserContext(), c.Params("id"), action, req.TxID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(s.view(b, middleware.Address(c)))
}

// POST /admin/bounties/backfill
func (s *BountyService) Backfill(c *fiber.Ctx) error {
	report, err := s.Reconciler.BackfillMissingContractIDs(c.UserContext())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(report)
}

// DELETE /admin/bounties/:id
func (s *BountyService) DeleteBounty(c *fiber.Ctx) error {
	if err := s.Reconciler.Delete(c.UserContext(), c.Params("id")); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(fiber.Map{"message": "bounty deleted"})
}

func unsignedResponse(g *chain.Group) fiber.Map {
	return fiber.Map{
		"stage":        "sign",
		"action":       g.Action,
		"contract_id":  g.BountyID,
		"transactions": chain.EncodeUnsigned(g.Txns),
	}
}

func (s *BountyService) writeResult(c *fiber.Ctx, res *Result, okStatus int) error {
	status := okStatus
	if res.Pending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"bounty":          s.view(res.Bounty, ""),
		"tx_id":           res.TxID,
		"confirmed_round": res.ConfirmedRound,
		"pending":         res.Pending,
	})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *BountyService) writeError(c *fiber.Ctx, err error) error {
	be, ok := bounty.As(err)
	if !ok {
		s.Logger.Error("❌ unexpected error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	status := fiber.StatusInternalServerError
	switch be.Kind {
	case bounty.KindNotFound:
		status = fiber.StatusNotFound
	case bounty.KindValidation:
		status = fiber.StatusBadRequest
	case bounty.KindTransition:
		status = fiber.StatusBadRequest
		if be.Code == bounty.CodeNotAuthorized {
			status = fiber.StatusForbidden
		}
	case bounty.KindConflict, bounty.KindDuplicateContractID:
		status = fiber.StatusConflict
	case bounty.KindSigner:
		status = fiber.StatusBadGateway
	}
	if status >= fiber.StatusInternalServerError {
		s.Logger.Error("❌ request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	resp := fiber.Map{
		"error":     be.Error(),
		"code":      be.Code,
		"retryable": be.Retryable(),
	}
	if be.Current != nil {
		resp["current_status"] = *be.Current
		if len(be.Required) > 0 {
			resp["required_status"] = be.Required
		}
	}
	return c.Status(status).JSON(resp)
}

func parseFilter(c *fiber.Ctx) (Filter, error) {
	f := Filter{
		ClientAddress:     c.Query("client"),
		FreelancerAddress: c.Query("freelancer"),
		Participant:       c.Query("participant"),
		Search:            strings.TrimSpace(c.Query("q")),
	}
	if raw := c.Query("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := bounty.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for key, dst := range map[string]**uint64{"min_amount": &f.MinAmount, "max_amount": &f.MaxAmount} {
		if raw := c.Query(key); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return f, bounty.Validation(bounty.CodeInvalidInput, "%s must be an amount in microAlgos", key)
			}
			*dst = &v
		}
	}
	for key, dst := range map[string]**time.Time{"deadline_after": &f.DeadlineAfter, "deadline_before": &f.DeadlineBefore} {
		if raw := c.Query(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, bounty.Validation(bounty.CodeInvalidInput, "%s must be RFC3339", key)
			}
			*dst = &t
		}
	}
	return f, nil
}
