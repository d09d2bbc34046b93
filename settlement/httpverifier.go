package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// HTTPVerifier calls a payment provider endpoint that accepts
// {"order_ids": [...], "token": "..."} and answers {"status": ..., "amount": ...}.
type HTTPVerifier struct {
	url     string
	apiKey  string
	timeout time.Duration
}

func NewHTTPVerifier(url, apiKey string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{url: url, apiKey: apiKey, timeout: timeout}
}

type verifyRequest struct {
	OrderIDs []string `json:"order_ids"`
	Token    string   `json:"token"`
}

type verifyResponse struct {
	Status PaymentStatus   `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

func (v *HTTPVerifier) VerifyPayment(ctx context.Context, orderIDs []string, token string) (PaymentResult, error) {
	timeout := v.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return PaymentResult{}, context.DeadlineExceeded
	}

	agent := fiber.Post(v.url)
	agent.Timeout(timeout)
	if v.apiKey != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+v.apiKey)
	}
	agent.JSON(verifyRequest{OrderIDs: orderIDs, Token: token})
	if err := agent.Parse(); err != nil {
		return PaymentResult{}, fmt.Errorf("build verifier request: %w", err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return PaymentResult{}, fmt.Errorf("call payment verifier: %w", errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return PaymentResult{}, fmt.Errorf("payment verifier returned HTTP %d", code)
	}

	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PaymentResult{}, fmt.Errorf("decode verifier response: %w", err)
	}
	switch resp.Status {
	case PaymentConfirmed, PaymentPending, PaymentFailed:
	default:
		return PaymentResult{}, fmt.Errorf("payment verifier returned unknown status %q", resp.Status)
	}
	return PaymentResult{Status: resp.Status, Amount: resp.Amount}, nil
}
