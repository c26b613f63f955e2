package billing

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Fare model: base fare + per-km rate + per-minute rate, scaled by tier.
const (
	baseFare    = 2.0
	perKmRate   = 1.5
	perMinRate  = 0.2
	defaultTier = "standard"
)

var tierMultipliers = map[string]float64{
	"standard": 1.0,
	"premium":  1.5,
	"xl":       1.75,
}

// ComputeFare is the deterministic pricing function. Unknown tiers price as
// standard. The result is rounded to cents.
func ComputeFare(distanceKm float64, durationSec int64, tier string) float64 {
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = tierMultipliers[defaultTier]
	}
	fare := (baseFare + distanceKm*perKmRate + float64(durationSec)/60.0*perMinRate) * mult
	return math.Round(fare*100) / 100
}

// Settler is the external settlement collaborator. It receives a pending
// payment and settles it out of band.
type Settler interface {
	Settle(ctx context.Context, p *models.Payment) error
}

// Service creates payment records on trip completion and hands pending
// payments to the settlement provider.
type Service struct {
	Store   storage.Store
	Settler Settler
	Logger  *slog.Logger
}

// TriggerSettlement looks up the trip's latest payment and, when it is
// still pending, asynchronously pushes it to the settler. The claim commits
// in the store first, so concurrent triggers dispatch at most one
// settlement. The returned snapshot reflects the state before settlement
// completes.
func (s *Service) TriggerSettlement(ctx context.Context, tripID, method string) (*models.Payment, error) {
	p, err := s.Store.LatestPaymentForTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending || p.Claimed {
		return p, nil
	}
	if err := s.Store.ClaimPayment(ctx, p.ID, method); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			// lost the claim race; return whatever the winner left behind
			return s.Store.LatestPaymentForTrip(ctx, tripID)
		}
		return nil, err
	}
	p.Claimed = true
	if method != "" {
		p.Method = method
	}
	go s.settle(*p)
	return p, nil
}

func (s *Service) settle(p models.Payment) {
	ctx := context.Background()
	status := models.PaymentSettled
	if err := s.Settler.Settle(ctx, &p); err != nil {
		status = models.PaymentFailed
		s.logger().Warn("settlement failed", "payment_id", p.ID, "trip_id", p.TripID, "error", err)
	}
	if err := s.Store.SetPaymentStatus(ctx, p.ID, status); err != nil {
		s.logger().Error("payment status update failed", "payment_id", p.ID, "error", err)
		return
	}
	s.logger().Info("payment settled", "payment_id", p.ID, "status", status, "amount", p.Amount)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
