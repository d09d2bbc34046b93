package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/marketapi"
	"github.com/cloudx-io/openmarket/settlement"
)

func (h *handlers) createListing(c *fiber.Ctx) error {
	var req marketapi.CreateListingRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	price, err := core.ParseMoney(req.UnitPrice)
	if err != nil {
		return h.fail(c, err)
	}
	l, err := h.Settlement.CreateListing(c.UserContext(), settlement.CreateListingInput{
		ID:        req.ID,
		SellerID:  req.SellerID,
		Title:     req.Title,
		UnitPrice: price,
		Stock:     req.Stock,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, l)
}

func (h *handlers) listing(c *fiber.Ctx) error {
	l, err := h.Settlement.Listing(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, l)
}

func (h *handlers) restock(c *fiber.Ctx) error {
	var req marketapi.RestockRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	l, err := h.Settlement.Restock(c.UserContext(), c.Params("id"), req.Quantity)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, l)
}

func (h *handlers) reserve(c *fiber.Ctx) error {
	var req marketapi.ReserveRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Settlement.Reserve(c.UserContext(), settlement.ReserveInput{
		OrderID:   req.OrderID,
		ListingID: c.Params("id"),
		BuyerID:   req.BuyerID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, res)
}

func (h *handlers) reservation(c *fiber.Ctx) error {
	res, err := h.Settlement.Reservation(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, res)
}

func (h *handlers) confirmReservation(c *fiber.Ctx) error {
	res, err := h.Settlement.Confirm(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, res)
}

// releaseReservation cancels a pending reservation on the buyer's behalf.
func (h *handlers) releaseReservation(c *fiber.Ctx) error {
	res, err := h.Settlement.Release(c.UserContext(), c.Params("id"), settlement.ReasonCancelled)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, res)
}

func (h *handlers) settleOrder(c *fiber.Ctx) error {
	var req marketapi.SettleRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Settlement.Settle(c.UserContext(), c.Params("id"), req.Token)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, res)
}

func (h *handlers) releasePayout(c *fiber.Ctx) error {
	p, err := h.Settlement.ReleasePayout(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, p)
}
