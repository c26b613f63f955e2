package rides

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/billing"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// CreateRequest is the inbound ride request.
type CreateRequest struct {
	RiderID       string       `json:"rider_id"`
	Pickup        models.Coord `json:"pickup"`
	Destination   models.Coord `json:"destination"`
	Tier          string       `json:"tier"`
	PaymentMethod string       `json:"payment_method"`
}

// Orchestrator drives a ride from creation through completion. It composes
// the matcher and the assignment manager and commits every state transition
// through the store's transactional contract.
type Orchestrator struct {
	Store       storage.Store
	Matcher     *matcher.Service
	Assignments *assignment.Manager
	Logger      *slog.Logger
}

// CreateRide creates the ride and attempts a first match. Creation is
// idempotent on the client key: a repeat request resolves to the existing
// ride without creating a second one. Matching is best-effort; a discovery
// outage still yields a ride in searching state.
func (o *Orchestrator) CreateRide(ctx context.Context, req CreateRequest, idemKey string, now time.Time) (*models.Ride, *models.Assignment, error) {
	if idemKey != "" {
		if r, err := o.Store.GetRideByIdempotencyKey(ctx, idemKey); err == nil {
			a, _ := o.latestAssignment(ctx, r.ID)
			return r, a, nil
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, nil, err
		}
	}

	ride := &models.Ride{
		ID:             newID(),
		RiderID:        req.RiderID,
		Pickup:         req.Pickup,
		Destination:    req.Destination,
		Tier:           req.Tier,
		PaymentMethod:  req.PaymentMethod,
		Status:         models.RideSearching,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
	if ride.Tier == "" {
		ride.Tier = "standard"
	}
	if ride.PaymentMethod == "" {
		ride.PaymentMethod = "card"
	}

	if err := o.Store.CreateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// lost a concurrent create with the same key; the winner's ride
			// is the canonical one
			r, gerr := o.Store.GetRideByIdempotencyKey(ctx, idemKey)
			if gerr != nil {
				return nil, nil, gerr
			}
			a, _ := o.latestAssignment(ctx, r.ID)
			return r, a, nil
		}
		return nil, nil, err
	}

	a := o.tryMatch(ctx, ride, now)
	return ride, a, nil
}

// tryMatch runs the first match attempt. Failures here never fail ride
// creation: the ride stays searching (offer race lost) or becomes
// no_driver (no eligible candidate).
func (o *Orchestrator) tryMatch(ctx context.Context, ride *models.Ride, now time.Time) *models.Assignment {
	cand, ok := o.Matcher.FindCandidate(ride.Pickup, now)
	if !ok {
		if err := o.Store.UpdateRideStatus(ctx, ride.ID, []string{models.RideSearching}, models.RideNoDriver); err != nil {
			o.logger().Warn("no_driver transition failed", "ride_id", ride.ID, "error", err)
			return nil
		}
		ride.Status = models.RideNoDriver
		return nil
	}
	a, err := o.Assignments.Offer(ctx, ride, cand.DriverID, cand.DistanceKm, now)
	if err != nil {
		o.logger().Warn("first offer failed", "ride_id", ride.ID, "driver_id", cand.DriverID, "error", err)
		return nil
	}
	ride.Status = models.RideAssigned
	o.logger().Info("ride assigned", "ride_id", ride.ID, "driver_id", cand.DriverID, "distance_km", cand.DistanceKm)
	return a
}

// GetRide returns the ride snapshot plus its most recent assignment, which
// may be nil when the ride was never matched.
func (o *Orchestrator) GetRide(ctx context.Context, id string) (*models.Ride, *models.Assignment, error) {
	r, err := o.Store.GetRide(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	a, err := o.latestAssignment(ctx, r.ID)
	if err != nil {
		return nil, nil, err
	}
	return r, a, nil
}

// CancelRide is the terminal override: any non-terminal ride may be
// cancelled. An open offer is expired first, best-effort.
func (o *Orchestrator) CancelRide(ctx context.Context, id string, now time.Time) (*models.Ride, error) {
	r, err := o.Store.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, models.ErrInvalidState
	}
	if a, aerr := o.latestAssignment(ctx, id); aerr == nil && a != nil && !a.Terminal() {
		if ferr := o.Store.FinishAssignment(ctx, a.ID, models.AssignExpired, models.RideSearching); ferr != nil && !errors.Is(ferr, models.ErrInvalidState) {
			return nil, ferr
		}
	}
	nonTerminal := []string{models.RideSearching, models.RideAssigned, models.RideNoDriver, models.RideOngoing}
	if err := o.Store.UpdateRideStatus(ctx, id, nonTerminal, models.RideCancelled); err != nil {
		return nil, err
	}
	r.Status = models.RideCancelled
	return r, nil
}

// EndTrip closes an ongoing trip: distance is the great-circle length from
// the ride's pickup to the reported end point (the recorded distance when
// no end point is given), duration is wall time since start. The trip and
// ride complete and the pending payment is created in one transaction.
func (o *Orchestrator) EndTrip(ctx context.Context, tripID string, end *models.Coord, now time.Time) (*models.Trip, *models.Payment, error) {
	t, err := o.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.TripOngoing {
		return nil, nil, models.ErrInvalidState
	}
	ride, err := o.Store.GetRide(ctx, t.RideID)
	if err != nil {
		return nil, nil, err
	}

	distanceKm := t.DistanceKm
	if end != nil {
		distanceKm = geo.HaversineKm(ride.Pickup.Lat, ride.Pickup.Lon, end.Lat, end.Lon)
	}
	durationSec := int64(now.Sub(t.StartAt).Seconds())
	if durationSec < 0 {
		durationSec = 0
	}
	fare := billing.ComputeFare(distanceKm, durationSec, ride.Tier)

	payment := &models.Payment{
		ID:        newID(),
		TripID:    t.ID,
		RiderID:   ride.RiderID,
		DriverID:  t.DriverID,
		Amount:    fare,
		Method:    ride.PaymentMethod,
		Status:    models.PaymentPending,
		CreatedAt: now,
	}
	if err := o.Store.CompleteTrip(ctx, tripID, now, distanceKm, durationSec, fare, payment); err != nil {
		return nil, nil, err
	}
	observability.TripsCompletedTotal.Inc()

	endAt := now
	t.EndAt = &endAt
	t.DistanceKm = distanceKm
	t.DurationSec = durationSec
	t.Fare = fare
	t.Status = models.TripCompleted
	o.logger().Info("trip completed", "trip_id", t.ID, "ride_id", t.RideID, "distance_km", distanceKm, "fare", fare)
	return t, payment, nil
}

func (o *Orchestrator) latestAssignment(ctx context.Context, rideID string) (*models.Assignment, error) {
	a, err := o.Store.LatestAssignment(ctx, rideID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
