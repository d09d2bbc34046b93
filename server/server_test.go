package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/fraud"
	"github.com/cloudx-io/openmarket/identity"
	"github.com/cloudx-io/openmarket/ledger"
	"github.com/cloudx-io/openmarket/marketapi"
	"github.com/cloudx-io/openmarket/receipt"
	"github.com/cloudx-io/openmarket/settlement"
	"github.com/cloudx-io/openmarket/trust"
)

const testToken = "admin-secret"

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type stubVerifier struct {
	mu     sync.Mutex
	result settlement.PaymentResult
}

func (v *stubVerifier) VerifyPayment(context.Context, []string, string) (settlement.PaymentResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result, nil
}

type fixture struct {
	app      *fiber.App
	clock    *clock.Manual
	trust    *trust.Controller
	detector *fraud.Detector
	signer   *receipt.Signer
	verifier *stubVerifier
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewManual(t0), verifier: &stubVerifier{}}
	l := ledger.New()
	f.trust = trust.NewController(trust.WithClock(f.clock))
	f.detector = fraud.NewDetector(l, f.trust,
		fraud.WithSimilarity(identity.NewMemoryProvider()),
		fraud.WithClock(f.clock))

	key, err := receipt.GenerateKey()
	assert.NoError(t, err)
	f.signer, err = receipt.NewSigner(key, receipt.WithClock(f.clock))
	assert.NoError(t, err)

	engine := auction.NewEngine(l, f.trust,
		auction.WithClock(f.clock),
		auction.WithObserver(f.detector),
		auction.WithAttestor(f.signer))
	coord := settlement.NewCoordinator(settlement.NewMemoryRepository(), f.verifier, f.trust,
		settlement.WithClock(f.clock))

	f.app = New(Deps{
		Engine:     engine,
		Trust:      f.trust,
		Settlement: coord,
		Fraud:      f.detector,
		Profiles:   identity.NewMemoryProvider(),
		Receipts:   f.signer,
	}, Config{AdminToken: token})
	return f
}

type envelope struct {
	Outcome marketapi.Outcome    `json:"outcome"`
	Data    json.RawMessage      `json:"data"`
	Error   *marketapi.ErrorBody `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(adminTokenHeader, token)
	}
	resp, err := f.app.Test(req, -1)
	assert.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	assert.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (f *fixture) createAuction(t *testing.T, extra func(*marketapi.CreateAuctionRequest)) core.Auction {
	t.Helper()
	req := marketapi.CreateAuctionRequest{
		SellerID:    "seller",
		Title:       "lamp",
		StartingBid: "100",
		Increment:   "5",
		EndsAt:      t0.Add(time.Hour),
	}
	if extra != nil {
		extra(&req)
	}
	status, env := f.do(t, http.MethodPost, "/v1/auctions", req, "")
	assert.Equal(t, http.StatusCreated, status)
	return decode[core.Auction](t, env)
}

func TestAuctionRoutes_BidFlow(t *testing.T) {
	f := newFixture(t, testToken)
	a := f.createAuction(t, nil)
	check.Equal(t, core.AuctionActive, a.Status)

	status, env := f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/bids",
		marketapi.PlaceBidRequest{BidderID: "alice", Amount: "100"}, "")
	assert.Equal(t, http.StatusCreated, status)
	res := decode[auction.BidResult](t, env)
	check.True(t, res.Bid.Accepted)
	check.True(t, decimal.RequireFromString("105").Equal(res.MinimumNext))

	status, env = f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/bids",
		marketapi.PlaceBidRequest{BidderID: "bob", Amount: "101"}, "")
	check.Equal(t, http.StatusBadRequest, status)
	check.Equal(t, marketapi.OutcomeRejected, env.Outcome)
	check.Equal(t, "bid_too_low", env.Error.Code)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/"+a.ID+"/highest", nil, "")
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, "alice", decode[core.Bid](t, env).BidderID)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/"+a.ID+"/bids?limit=1", nil, "")
	assert.Equal(t, http.StatusOK, status)
	page := decode[marketapi.BidHistoryPage](t, env)
	check.Equal(t, 1, len(page.Bids))
	check.True(t, page.NextAfter > 0)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/"+a.ID, nil, "")
	assert.Equal(t, http.StatusOK, status)
	snap := decode[auction.Snapshot](t, env)
	check.Equal(t, 1, snap.BidCount)
}

func TestAuctionRoutes_BadInput(t *testing.T) {
	f := newFixture(t, testToken)

	status, env := f.do(t, http.MethodPost, "/v1/auctions", marketapi.CreateAuctionRequest{
		SellerID:    "seller",
		StartingBid: "abc",
		Increment:   "5",
		EndsAt:      t0.Add(time.Hour),
	}, "")
	check.Equal(t, http.StatusBadRequest, status)
	check.Equal(t, marketapi.OutcomeRejected, env.Outcome)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/missing", nil, "")
	check.Equal(t, http.StatusNotFound, status)
	check.Equal(t, marketapi.OutcomeNotFound, env.Outcome)

	status, env = f.do(t, http.MethodGet, "/v1/nowhere", nil, "")
	check.Equal(t, http.StatusNotFound, status)
	check.Equal(t, "route_not_found", env.Error.Code)
}

func TestAuctionRoutes_SuspendedBidderIsRestricted(t *testing.T) {
	f := newFixture(t, testToken)
	a := f.createAuction(t, nil)

	status, _ := f.do(t, http.MethodPost, "/v1/admin/accounts/mallory/restrictions/suspended",
		marketapi.RestrictionRequest{Value: true, Reason: "chargebacks"}, testToken)
	assert.Equal(t, http.StatusOK, status)

	status, env := f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/bids",
		marketapi.PlaceBidRequest{BidderID: "mallory", Amount: "100"}, "")
	check.Equal(t, http.StatusForbidden, status)
	check.Equal(t, marketapi.OutcomeRestricted, env.Outcome)
	check.Equal(t, "bidder_suspended", env.Error.Code)
}

func TestAuctionRoutes_CancelRequiresSellerOrAdmin(t *testing.T) {
	f := newFixture(t, testToken)
	a := f.createAuction(t, nil)

	status, env := f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/cancel",
		marketapi.CancelAuctionRequest{ActorID: "mallory", Reason: "griefing"}, "")
	check.Equal(t, http.StatusForbidden, status)
	check.Equal(t, marketapi.OutcomeRestricted, env.Outcome)
	check.Equal(t, "not_seller", env.Error.Code)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/"+a.ID, nil, "")
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, core.AuctionActive, decode[auction.Snapshot](t, env).Auction.Status)

	status, _ = f.do(t, http.MethodPost, "/v1/admin/auctions/"+a.ID+"/cancel",
		marketapi.CancelAuctionRequest{Reason: "policy"}, "")
	check.Equal(t, http.StatusUnauthorized, status)

	status, env = f.do(t, http.MethodPost, "/v1/admin/auctions/"+a.ID+"/cancel",
		marketapi.CancelAuctionRequest{Reason: "policy"}, testToken)
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, core.AuctionCancelled, decode[core.Auction](t, env).Status)
}

func TestAuctionRoutes_CloseIssuesVerifiableReceipt(t *testing.T) {
	f := newFixture(t, testToken)
	a := f.createAuction(t, nil)

	_, _ = f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/bids",
		marketapi.PlaceBidRequest{BidderID: "alice", Amount: "120"}, "")

	status, env := f.do(t, http.MethodGet, "/v1/auctions/"+a.ID+"/receipt", nil, "")
	check.Equal(t, http.StatusConflict, status)
	check.Equal(t, marketapi.OutcomeRejected, env.Outcome)

	status, _ = f.do(t, http.MethodPost, "/v1/admin/auctions/"+a.ID+"/close", nil, testToken)
	assert.Equal(t, http.StatusOK, status)

	status, env = f.do(t, http.MethodGet, "/v1/auctions/"+a.ID+"/receipt", nil, "")
	assert.Equal(t, http.StatusOK, status)
	res := decode[marketapi.ReceiptResponse](t, env)
	check.Equal(t, f.signer.KeyID(), res.KeyID)

	closed, err := receipt.Verify(res.Receipt, f.signer.PublicKey())
	assert.NoError(t, err)
	check.Equal(t, a.ID, closed.AuctionID)
	check.Equal(t, "120.0000", closed.FinalPrice)
}

func TestAdminRoutes_Token(t *testing.T) {
	f := newFixture(t, testToken)
	status, env := f.do(t, http.MethodGet, "/v1/admin/alerts", nil, "")
	check.Equal(t, http.StatusUnauthorized, status)
	check.Equal(t, marketapi.OutcomeRestricted, env.Outcome)

	status, _ = f.do(t, http.MethodGet, "/v1/admin/alerts", nil, "wrong")
	check.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/v1/admin/alerts", nil, testToken)
	check.Equal(t, http.StatusOK, status)

	disabled := newFixture(t, "")
	status, env = disabled.do(t, http.MethodGet, "/v1/admin/alerts", nil, "anything")
	check.Equal(t, http.StatusNotFound, status)
	check.Equal(t, "admin_disabled", env.Error.Code)
}

func TestAdminRoutes_ScoreAndReset(t *testing.T) {
	f := newFixture(t, testToken)

	status, env := f.do(t, http.MethodPost, "/v1/admin/accounts/bob/score", marketapi.ScoreRequest{Delta: 15}, testToken)
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, 15, decode[trust.State](t, env).FraudScore)

	status, env = f.do(t, http.MethodPost, "/v1/admin/accounts/bob/score", marketapi.ScoreRequest{Reset: true}, testToken)
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, 0, decode[trust.State](t, env).FraudScore)

	status, env = f.do(t, http.MethodPost, "/v1/admin/accounts/bob/restrictions/frozen",
		marketapi.RestrictionRequest{Value: true, Reason: "x"}, testToken)
	check.Equal(t, http.StatusBadRequest, status)
	check.Equal(t, marketapi.OutcomeRejected, env.Outcome)
}

func TestAdminRoutes_ReviewSelfBidAlert(t *testing.T) {
	f := newFixture(t, testToken)
	f.detector.Start(context.Background())
	a := f.createAuction(t, nil)

	status, _ := f.do(t, http.MethodPost, "/v1/auctions/"+a.ID+"/bids",
		marketapi.PlaceBidRequest{BidderID: "seller", Amount: "100"}, "")
	assert.Equal(t, http.StatusCreated, status)
	f.detector.Close()

	status, env := f.do(t, http.MethodGet, "/v1/admin/alerts?subject_id=seller&status=pending", nil, testToken)
	assert.Equal(t, http.StatusOK, status)
	alerts := decode[[]fraud.Alert](t, env)
	assert.Equal(t, 1, len(alerts))
	check.Equal(t, fraud.TypeShillBidding, alerts[0].Type)

	status, env = f.do(t, http.MethodPost, "/v1/admin/alerts/"+alerts[0].ID+"/review",
		marketapi.ReviewRequest{Status: string(fraud.StatusConfirmedFraud), Notes: "seller bid on own lot", Reviewer: "ops"}, testToken)
	assert.Equal(t, http.StatusOK, status)
	check.Equal(t, fraud.StatusConfirmedFraud, decode[fraud.Alert](t, env).Status)

	status, _ = f.do(t, http.MethodGet, "/v1/admin/alerts?status=bogus", nil, testToken)
	check.Equal(t, http.StatusBadRequest, status)
}

func TestSettlementRoutes_ReserveAndSettle(t *testing.T) {
	f := newFixture(t, testToken)

	status, env := f.do(t, http.MethodPost, "/v1/listings",
		marketapi.CreateListingRequest{SellerID: "seller", Title: "mug", UnitPrice: "10", Stock: 2}, "")
	assert.Equal(t, http.StatusCreated, status)
	l := decode[settlement.Listing](t, env)

	status, env = f.do(t, http.MethodPost, "/v1/listings/"+l.ID+"/reservations",
		marketapi.ReserveRequest{OrderID: "o1", BuyerID: "buyer", Quantity: 3}, "")
	check.Equal(t, http.StatusConflict, status)
	check.Equal(t, marketapi.OutcomeInsufficientStock, env.Outcome)

	status, env = f.do(t, http.MethodPost, "/v1/listings/"+l.ID+"/reservations",
		marketapi.ReserveRequest{OrderID: "o1", BuyerID: "buyer", Quantity: 2}, "")
	assert.Equal(t, http.StatusCreated, status)
	res := decode[settlement.Reservation](t, env)
	check.Equal(t, settlement.ReservationPending, res.Status)

	f.verifier.result = settlement.PaymentResult{Status: settlement.PaymentConfirmed, Amount: decimal.NewFromInt(20)}
	status, env = f.do(t, http.MethodPost, "/v1/orders/o1/settle", marketapi.SettleRequest{Token: "tok"}, "")
	assert.Equal(t, http.StatusOK, status)
	settled := decode[settlement.SettleResult](t, env)
	assert.Equal(t, 1, len(settled.Reservations))
	check.Equal(t, settlement.ReservationConfirmed, settled.Reservations[0].Status)

	status, env = f.do(t, http.MethodGet, "/v1/accounts/seller/trust", nil, "")
	assert.Equal(t, http.StatusOK, status)
	check.True(t, decimal.NewFromInt(20).Equal(decode[trust.State](t, env).PendingBalance))

	status, env = f.do(t, http.MethodPost, "/v1/reservations/"+res.ID+"/release", nil, "")
	assert.Equal(t, http.StatusOK, status)
	check.False(t, decode[settlement.TransitionResult](t, env).Changed)
}

func TestAccountRoutes_RegisterProfile(t *testing.T) {
	f := newFixture(t, testToken)

	status, _ := f.do(t, http.MethodPost, "/v1/accounts/alice/profile", marketapi.RegisterProfileRequest{
		Signals: []marketapi.SignalRequest{{Kind: "email", Value: "alice@example.com"}},
	}, "")
	check.Equal(t, http.StatusOK, status)

	status, env := f.do(t, http.MethodPost, "/v1/accounts/alice/profile", marketapi.RegisterProfileRequest{
		Signals: []marketapi.SignalRequest{{Kind: "shoe_size", Value: "42"}},
	}, "")
	check.Equal(t, http.StatusBadRequest, status)
	check.Equal(t, marketapi.OutcomeRejected, env.Outcome)
}

func TestWorkerSlots_RejectsWhenFull(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(workerSlots(1, testLogger()))
	entered := make(chan struct{})
	release := make(chan struct{})
	app.Get("/slow", func(c *fiber.Ctx) error {
		close(entered)
		<-release
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/fast", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	done := make(chan int)
	go func() {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/slow", nil), -1)
		if err != nil {
			done <- 0
			return
		}
		done <- resp.StatusCode
	}()
	<-entered

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/fast", nil), -1)
	assert.NoError(t, err)
	check.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	close(release)
	check.Equal(t, http.StatusOK, <-done)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/fast", nil), -1)
	assert.NoError(t, err)
	check.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	check.Equal(t, http.StatusBadRequest, statusFor(core.ErrBidTooLow))
	check.Equal(t, http.StatusConflict, statusFor(core.ErrAuctionEnded))
	check.Equal(t, http.StatusForbidden, statusFor(core.ErrWithdrawalBlocked))
	check.Equal(t, http.StatusConflict, statusFor(core.ErrInsufficientStock))
	check.Equal(t, http.StatusBadGateway, statusFor(core.ErrVerifierUnavailable))
	check.Equal(t, http.StatusNotFound, statusFor(core.ErrListingNotFound))
	check.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
