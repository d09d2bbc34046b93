// Package server exposes the market over HTTP with fiber.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/fraud"
	"github.com/cloudx-io/openmarket/identity"
	"github.com/cloudx-io/openmarket/marketapi"
	"github.com/cloudx-io/openmarket/receipt"
	"github.com/cloudx-io/openmarket/settlement"
	"github.com/cloudx-io/openmarket/trust"
)

// Deps are the components the routes call into. Profiles and Receipts may be
// nil; their routes then answer not found.
type Deps struct {
	Engine     *auction.Engine
	Trust      *trust.Controller
	Settlement *settlement.Coordinator
	Fraud      *fraud.Detector
	Profiles   identity.Registrar
	Receipts   *receipt.Signer
}

type Config struct {
	AdminToken   string
	MaxInFlight  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *slog.Logger
}

type handlers struct {
	Deps
	logger *slog.Logger
}

// New builds the fiber app with every route registered.
func New(deps Deps, cfg Config) *fiber.App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{Deps: deps, logger: logger}

	app := fiber.New(fiber.Config{
		AppName:               "openmarket",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestLogger(logger))
	app.Use(workerSlots(cfg.MaxInFlight, logger))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")

	v1.Post("/auctions", h.createAuction)
	v1.Get("/auctions/:id", h.auctionStatus)
	v1.Get("/auctions/:id/highest", h.highestBid)
	v1.Get("/auctions/:id/reserve", h.reserveMet)
	v1.Get("/auctions/:id/bids", h.bidHistory)
	v1.Post("/auctions/:id/bids", h.placeBid)
	v1.Post("/auctions/:id/buy-now", h.buyNow)
	v1.Post("/auctions/:id/cancel", h.cancelAuction)
	v1.Get("/auctions/:id/receipt", h.auctionReceipt)
	v1.Get("/receipts/public-key", h.receiptKey)

	v1.Post("/listings", h.createListing)
	v1.Get("/listings/:id", h.listing)
	v1.Post("/listings/:id/restock", h.restock)
	v1.Post("/listings/:id/reservations", h.reserve)
	v1.Get("/reservations/:id", h.reservation)
	v1.Post("/reservations/:id/release", h.releaseReservation)
	v1.Post("/orders/:id/settle", h.settleOrder)

	v1.Get("/accounts/:id/trust", h.accountTrust)
	v1.Post("/accounts/:id/payouts", h.requestPayout)
	v1.Post("/accounts/:id/profile", h.registerProfile)

	admin := v1.Group("/admin", adminOnly(cfg.AdminToken))
	admin.Post("/auctions/:id/close", h.closeAuction)
	admin.Post("/auctions/:id/cancel", h.adminCancelAuction)
	admin.Post("/accounts/:id/score", h.adjustScore)
	admin.Post("/accounts/:id/restrictions/:kind", h.setRestriction)
	admin.Post("/reservations/:id/confirm", h.confirmReservation)
	admin.Post("/payouts/:id/release", h.releasePayout)
	admin.Get("/alerts", h.listAlerts)
	admin.Get("/alerts/:id", h.getAlert)
	admin.Post("/alerts/:id/review", h.reviewAlert)

	return app
}

// statusFor maps an error kind to the HTTP status the API answers with.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindStateConflict, core.KindInsufficientStock:
		return http.StatusConflict
	case core.KindRestriction:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindExternalVerifier:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c *fiber.Ctx, err error) error {
	if core.IsInvariantViolation(err) {
		h.logger.Error("request hit invariant violation",
			slog.String("invariant", core.CodeOf(err)),
			slog.String("path", c.Path()),
			slog.Any("error", err))
	} else if core.KindOf(err) == core.KindInternal {
		h.logger.Error("request failed", slog.String("path", c.Path()), slog.Any("error", err))
	}
	return c.Status(statusFor(err)).JSON(marketapi.Failure(err))
}

func ok(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(marketapi.OK(data))
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	return nil
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			res := marketapi.Response{
				Outcome: marketapi.OutcomeRejected,
				Error:   &marketapi.ErrorBody{Kind: core.KindValidation, Code: "http_error", Message: fe.Message},
			}
			if fe.Code == fiber.StatusNotFound {
				res.Outcome = marketapi.OutcomeNotFound
				res.Error.Kind = core.KindNotFound
				res.Error.Code = "route_not_found"
			}
			return c.Status(fe.Code).JSON(res)
		}
		logger.Error("unhandled request error", slog.String("path", c.Path()), slog.Any("error", err))
		return c.Status(fiber.StatusInternalServerError).JSON(marketapi.Failure(err))
	}
}
