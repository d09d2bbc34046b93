package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/marketapi"
	"github.com/cloudx-io/openmarket/receipt"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *handlers) createAuction(c *fiber.Ctx) error {
	var req marketapi.CreateAuctionRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	terms, err := req.Terms()
	if err != nil {
		return h.fail(c, err)
	}
	a, err := h.Engine.CreateAuction(c.UserContext(), auction.CreateInput{
		ID:           req.ID,
		SellerID:     req.SellerID,
		Title:        req.Title,
		StartingBid:  terms.StartingBid,
		ReservePrice: terms.ReservePrice,
		BuyNowPrice:  terms.BuyNowPrice,
		Increment:    terms.Increment,
		Quantity:     req.Quantity,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, a)
}

func (h *handlers) auctionStatus(c *fiber.Ctx) error {
	snap, err := h.Engine.Status(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, snap)
}

func (h *handlers) highestBid(c *fiber.Ctx) error {
	bid, found, err := h.Engine.HighestBid(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if !found {
		return ok(c, fiber.StatusOK, nil)
	}
	return ok(c, fiber.StatusOK, bid)
}

func (h *handlers) reserveMet(c *fiber.Ctx) error {
	met, err := h.Engine.ReserveMet(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"reserve_met": met})
}

func (h *handlers) bidHistory(c *fiber.Ctx) error {
	id := c.Params("id")
	after := int64(c.QueryInt("after", 0))
	limit := c.QueryInt("limit", defaultPageSize)
	if after < 0 || limit <= 0 {
		return h.fail(c, fmt.Errorf("%w: after and limit must be positive", core.ErrInvalidRequest))
	}
	limit = min(limit, maxPageSize)

	bids, next, err := h.Engine.HistoryPage(id, after, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, marketapi.BidHistoryPage{AuctionID: id, Bids: bids, NextAfter: next})
}

func (h *handlers) placeBid(c *fiber.Ctx) error {
	var req marketapi.PlaceBidRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	amount, err := core.ParseMoney(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.Engine.PlaceBid(c.UserContext(), c.Params("id"), req.BidderID, amount)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, res)
}

func (h *handlers) buyNow(c *fiber.Ctx) error {
	var req marketapi.BuyNowRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Engine.BuyNow(c.UserContext(), c.Params("id"), req.BidderID)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, res)
}

// cancelAuction lets the seller withdraw their own auction.
func (h *handlers) cancelAuction(c *fiber.Ctx) error {
	var req marketapi.CancelAuctionRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	a, err := h.Engine.CancelAuction(c.UserContext(), c.Params("id"), req.ActorID, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, a)
}

func (h *handlers) adminCancelAuction(c *fiber.Ctx) error {
	var req marketapi.CancelAuctionRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	actor := req.ActorID
	if actor == "" {
		actor = "admin"
	}
	a, err := h.Engine.AdminCancel(c.UserContext(), c.Params("id"), actor, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, a)
}

func (h *handlers) closeAuction(c *fiber.Ctx) error {
	res, err := h.Engine.CloseAuction(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, res)
}

func (h *handlers) auctionReceipt(c *fiber.Ctx) error {
	id := c.Params("id")
	data, err := h.Engine.Receipt(id)
	if err != nil {
		return h.fail(c, err)
	}
	res := marketapi.ReceiptResponse{AuctionID: id, Receipt: data}
	if h.Receipts != nil {
		res.KeyID = h.Receipts.KeyID()
	}
	return ok(c, fiber.StatusOK, res)
}

func (h *handlers) receiptKey(c *fiber.Ctx) error {
	if h.Receipts == nil {
		return h.fail(c, fmt.Errorf("%w: receipts are not enabled", core.ErrAuctionNotFound))
	}
	pem, err := receipt.MarshalPublicKeyPEM(h.Receipts.PublicKey())
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"key_id": h.Receipts.KeyID(), "public_key": string(pem)})
}
