package assignment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher pushes an offer notice to a driver, best-effort.
type Dispatcher interface {
	Offer(driverID string, notice models.OfferNotice) error
}

// Manager owns the offer lifecycle: offered -> accepted | rejected | expired.
// Terminal states are immutable; the storage guard ensures that a racing
// accept and expire produce exactly one winner.
type Manager struct {
	Store    storage.Store
	Matcher  *matcher.Service
	Dispatch Dispatcher
	Logger   *slog.Logger

	// OfferTTL bounds how long a driver may sit on an offer.
	OfferTTL time.Duration
	// MaxOffers bounds re-offers per ride; once reached the ride becomes
	// no_driver instead of re-entering the matching pool.
	MaxOffers int
}

// Offer creates a time-bounded assignment for the ride and marks the ride
// assigned, in one transaction. Fails with ErrInvalidState when the ride
// already has an open assignment.
func (m *Manager) Offer(ctx context.Context, ride *models.Ride, driverID string, distanceKm float64, now time.Time) (*models.Assignment, error) {
	a := &models.Assignment{
		ID:        newID(),
		RideID:    ride.ID,
		DriverID:  driverID,
		Status:    models.AssignOffered,
		CreatedAt: now,
		ExpiresAt: now.Add(m.OfferTTL),
	}
	if err := m.Store.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}
	observability.OffersCreatedTotal.Inc()
	if m.Dispatch != nil {
		notice := models.OfferNotice{
			AssignmentID: a.ID,
			RideID:       ride.ID,
			Pickup:       ride.Pickup,
			Destination:  ride.Destination,
			DistanceKm:   distanceKm,
			ExpiresAt:    a.ExpiresAt,
		}
		if err := m.Dispatch.Offer(driverID, notice); err != nil {
			m.logger().Warn("offer dispatch failed", "assignment_id", a.ID, "driver_id", driverID, "error", err)
		}
	}
	return a, nil
}

// Accept transitions the assignment to accepted and, in the same
// transaction, opens the trip and moves the ride to ongoing. A stale offer
// (now past the expiry deadline) is refused with ErrInvalidState even when
// no sweep has run yet.
func (m *Manager) Accept(ctx context.Context, assignmentID, driverID string, now time.Time) (*models.Trip, error) {
	a, err := m.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	trip := &models.Trip{
		ID:           newID(),
		AssignmentID: a.ID,
		RideID:       a.RideID,
		DriverID:     a.DriverID,
		StartAt:      now,
		Status:       models.TripOngoing,
	}
	if err := m.Store.AcceptAssignment(ctx, assignmentID, driverID, now, trip); err != nil {
		return nil, err
	}
	observability.OffersAcceptedTotal.Inc()
	m.logger().Info("offer accepted", "assignment_id", assignmentID, "driver_id", driverID, "trip_id", trip.ID)
	return trip, nil
}

// Reject finishes an offered assignment as rejected and re-enters the ride
// into matching (or gives up once the offer ceiling is reached).
func (m *Manager) Reject(ctx context.Context, assignmentID string, now time.Time) error {
	err := m.finish(ctx, assignmentID, models.AssignRejected, now)
	if err == nil {
		observability.OffersRejectedTotal.Inc()
	}
	return err
}

// Expire finishes an offered assignment as expired. Safe to race with
// Accept: the storage guard lets only one transition commit.
func (m *Manager) Expire(ctx context.Context, assignmentID string, now time.Time) error {
	err := m.finish(ctx, assignmentID, models.AssignExpired, now)
	if err == nil {
		observability.OffersExpiredTotal.Inc()
	}
	return err
}

// Sweep expires every assignment still offered past its deadline and
// returns how many it transitioned. Idempotent; assignments accepted or
// expired concurrently are skipped via the state guard.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.Store.ExpiredAssignments(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range stale {
		if err := m.Expire(ctx, a.ID, now); err != nil {
			if errors.Is(err, models.ErrInvalidState) {
				continue // lost the race to an accept or a concurrent sweep
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) finish(ctx context.Context, assignmentID, toStatus string, now time.Time) error {
	a, err := m.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	offers, err := m.Store.CountAssignments(ctx, a.RideID)
	if err != nil {
		return err
	}
	rideStatus := models.RideSearching
	if m.MaxOffers > 0 && offers >= m.MaxOffers {
		rideStatus = models.RideNoDriver
	}
	if err := m.Store.FinishAssignment(ctx, assignmentID, toStatus, rideStatus); err != nil {
		return err
	}
	m.logger().Info("offer finished", "assignment_id", assignmentID, "status", toStatus, "ride_id", a.RideID, "ride_status", rideStatus)
	if rideStatus == models.RideSearching {
		m.reoffer(ctx, a.RideID, now)
	}
	return nil
}

// reoffer re-queries the matcher immediately after a failed offer. When no
// eligible driver remains the ride is marked no_driver, the same outcome as
// a miss on creation.
func (m *Manager) reoffer(ctx context.Context, rideID string, now time.Time) {
	ride, err := m.Store.GetRide(ctx, rideID)
	if err != nil || ride.Status != models.RideSearching {
		return
	}
	cand, ok := m.Matcher.FindCandidate(ride.Pickup, now)
	if !ok {
		if err := m.Store.UpdateRideStatus(ctx, rideID, []string{models.RideSearching}, models.RideNoDriver); err != nil && !errors.Is(err, models.ErrInvalidState) {
			m.logger().Warn("ride no_driver transition failed", "ride_id", rideID, "error", err)
		}
		return
	}
	if _, err := m.Offer(ctx, ride, cand.DriverID, cand.DistanceKm, now); err != nil {
		m.logger().Warn("re-offer failed", "ride_id", rideID, "driver_id", cand.DriverID, "error", err)
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
