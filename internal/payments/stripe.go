package payments

import (
	"context"
	"math"
	"os"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeSettler settles payments through Stripe PaymentIntents. It is the
// production implementation of billing.Settler.
type StripeSettler struct {
	Currency string
}

// NewStripeSettler initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeSettler(currency string) *StripeSettler {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "usd"
	}
	return &StripeSettler{Currency: currency}
}

// Settle creates and immediately captures a PaymentIntent for the fare.
func (s *StripeSettler) Settle(ctx context.Context, p *models.Payment) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(p.Amount)),
		Currency: stripe.String(s.Currency),
	}
	params.Metadata = map[string]string{"trip_id": p.TripID, "payment_id": p.ID}
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(pi.ID, nil)
	return err
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SimulatedSettler fakes the external provider for local runs and tests:
// it waits a beat and reports success.
type SimulatedSettler struct {
	Delay time.Duration
}

func (s *SimulatedSettler) Settle(ctx context.Context, _ *models.Payment) error {
	if s.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
