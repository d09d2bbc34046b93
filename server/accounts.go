package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/fraud"
	"github.com/cloudx-io/openmarket/identity"
	"github.com/cloudx-io/openmarket/marketapi"
	"github.com/cloudx-io/openmarket/trust"
)

func (h *handlers) accountTrust(c *fiber.Ctx) error {
	return ok(c, fiber.StatusOK, h.Trust.State(c.Params("id")))
}

func (h *handlers) requestPayout(c *fiber.Ctx) error {
	var req marketapi.PayoutRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	amount, err := core.ParseMoney(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	p, err := h.Trust.RequestPayout(c.UserContext(), c.Params("id"), amount)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, p)
}

func (h *handlers) registerProfile(c *fiber.Ctx) error {
	if h.Profiles == nil {
		return h.fail(c, fmt.Errorf("%w: identity profiles are not accepted", core.ErrInvalidRequest))
	}
	var req marketapi.RegisterProfileRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	profile := identity.Profile{AccountID: c.Params("id")}
	for _, s := range req.Signals {
		profile.Signals = append(profile.Signals, identity.Signal{Kind: identity.SignalKind(s.Kind), Value: s.Value})
	}
	if err := h.Profiles.Register(c.UserContext(), profile); err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, profile)
}

func (h *handlers) adjustScore(c *fiber.Ctx) error {
	var req marketapi.ScoreRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	var (
		state trust.State
		err   error
	)
	if req.Reset {
		state, err = h.Trust.ResetFraudScore(c.UserContext(), c.Params("id"))
	} else {
		state, err = h.Trust.AdjustFraudScore(c.UserContext(), c.Params("id"), req.Delta, trust.ScoreAdmin)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, state)
}

func (h *handlers) setRestriction(c *fiber.Ctx) error {
	var req marketapi.RestrictionRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	kind := trust.RestrictionKind(c.Params("kind"))
	state, err := h.Trust.SetRestriction(c.UserContext(), c.Params("id"), kind, req.Value, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, state)
}

func (h *handlers) listAlerts(c *fiber.Ctx) error {
	filter := fraud.Filter{
		Status:    fraud.Status(c.Query("status")),
		SubjectID: c.Query("subject_id"),
		Type:      fraud.AlertType(c.Query("type")),
		Limit:     min(c.QueryInt("limit", defaultPageSize), maxPageSize),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return h.fail(c, fmt.Errorf("%w: unknown alert status %q", core.ErrInvalidRequest, filter.Status))
	}
	alerts, err := h.Fraud.Alerts(c.UserContext(), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, alerts)
}

func (h *handlers) getAlert(c *fiber.Ctx) error {
	alert, err := h.Fraud.Alert(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, alert)
}

func (h *handlers) reviewAlert(c *fiber.Ctx) error {
	var req marketapi.ReviewRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	alert, err := h.Fraud.Review(c.UserContext(), c.Params("id"), fraud.ReviewInput{
		Status:   fraud.Status(req.Status),
		Notes:    req.Notes,
		Reviewer: req.Reviewer,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, alert)
}
