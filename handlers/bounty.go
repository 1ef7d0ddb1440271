package handlers

import (
	"bounty-escrow-service/bounty"
	"bounty-escrow-service/middleware"
	"bounty-escrow-service/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupBountyRoutes(app *fiber.App, bountyService *services.BountyService, adminToken string, logger *zap.Logger) {
	app.Get("/health", bountyService.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 🔓 Public reads, served from the mirror
	app.Get("/bounties", bountyService.ListBounties)
	app.Get("/bounties/user/:address", bountyService.ListUserBounties)
	app.Get("/bounties/:id", bountyService.GetBounty)

	// 🔐 Wallet routes, caller identified by bearer address
	secured := app.Group("/bounties", middleware.AddressAuthMiddleware(logger))

	secured.Post("/", bountyService.CreateBounty)
	secured.Put("/:id", bountyService.UpdateBounty)

	// two-phase: no signed_transactions returns the group to sign
	secured.Post("/:id/accept", bountyService.Action(bounty.ActionAccept))
	secured.Post("/:id/approve", bountyService.Action(bounty.ActionApprove))
	secured.Post("/:id/reject", bountyService.Action(bounty.ActionReject))
	secured.Post("/:id/claim", bountyService.Action(bounty.ActionClaim))
	secured.Post("/:id/refund", bountyService.Action(bounty.ActionRefund))
	secured.Post("/:id/auto-refund", bountyService.Action(bounty.ActionAutoRefund))

	secured.Post("/:id/submit", bountyService.SubmitWork)
	secured.Post("/:id/refresh", bountyService.RefreshBounty)
	secured.Patch("/:id/transaction", bountyService.SyncTransaction)

	// 🛠️ Operator routes
	admin := app.Group("/admin", middleware.AdminTokenMiddleware(adminToken, logger))
	admin.Post("/bounties/backfill", bountyService.Backfill)
	admin.Delete("/bounties/:id", bountyService.DeleteBounty)
}
