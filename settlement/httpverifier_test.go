package settlement

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func startProvider(t *testing.T, handler fiber.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/verify", handler)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String() + "/verify"
}

func TestHTTPVerifier_Confirmed(t *testing.T) {
	var got verifyRequest
	url := startProvider(t, func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) != "Bearer secret" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if err := c.BodyParser(&got); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "confirmed", "amount": "42.50"})
	})

	res, err := NewHTTPVerifier(url, "secret", time.Second).VerifyPayment(context.Background(), []string{"o1"}, "tok")
	assert.NoError(t, err)
	check.Equal(t, PaymentConfirmed, res.Status)
	check.True(t, d("42.5").Equal(res.Amount))
	check.Equal(t, []string{"o1"}, got.OrderIDs)
	check.Equal(t, "tok", got.Token)
}

func TestHTTPVerifier_ErrorStatus(t *testing.T) {
	url := startProvider(t, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusBadGateway)
	})

	_, err := NewHTTPVerifier(url, "", time.Second).VerifyPayment(context.Background(), []string{"o1"}, "tok")
	check.Error(t, err)
}

func TestHTTPVerifier_UnknownStatus(t *testing.T) {
	url := startProvider(t, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "maybe"})
	})

	_, err := NewHTTPVerifier(url, "", time.Second).VerifyPayment(context.Background(), []string{"o1"}, "tok")
	check.Error(t, err)
}
