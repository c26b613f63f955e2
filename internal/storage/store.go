package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrDuplicateKey reports an insert that violated the idempotency-key
// uniqueness constraint. Callers resolve it by re-reading the existing ride.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// Store is the transactional contract the engine runs on. Every multi-field
// transition (assignment creation, accept, reject/expire, trip completion)
// commits as a single atomic unit: concurrent attempts on the same ride or
// assignment serialize so that exactly one succeeds and the losers observe
// models.ErrInvalidState.
type Store interface {
	// CreateRide inserts a new ride. Returns ErrDuplicateKey when the
	// idempotency key is already taken.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetRideByIdempotencyKey(ctx context.Context, key string) (*models.Ride, error)
	// UpdateRideStatus moves a ride to status to, guarded by the current
	// status being one of from. ErrInvalidState when the guard misses.
	UpdateRideStatus(ctx context.Context, id string, from []string, to string) error

	// CreateAssignment inserts an offered assignment and marks the ride
	// assigned, in one transaction. Fails with ErrInvalidState when the ride
	// already has a non-terminal assignment or is not in searching state.
	CreateAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id string) (*models.Assignment, error)
	// LatestAssignment returns the ride's most recent assignment, or
	// ErrNotFound when the ride never had one.
	LatestAssignment(ctx context.Context, rideID string) (*models.Assignment, error)
	CountAssignments(ctx context.Context, rideID string) (int, error)

	// AcceptAssignment atomically marks the assignment accepted, inserts the
	// trip in ongoing state and moves the ride to ongoing. The guard rejects
	// assignments that are not offered or whose expiry deadline has passed.
	AcceptAssignment(ctx context.Context, assignmentID, driverID string, now time.Time, trip *models.Trip) error
	// FinishAssignment atomically marks an offered assignment terminal
	// (rejected or expired) and moves the ride to rideStatus (searching or
	// no_driver). ErrInvalidState when the assignment is already terminal.
	FinishAssignment(ctx context.Context, assignmentID, toStatus, rideStatus string) error
	// ExpiredAssignments lists assignments still offered past their deadline.
	ExpiredAssignments(ctx context.Context, now time.Time) ([]models.Assignment, error)

	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// CompleteTrip atomically marks the trip completed with its final
	// distance/duration/fare, marks the ride completed, and inserts the
	// pending payment.
	CompleteTrip(ctx context.Context, tripID string, endAt time.Time, distanceKm float64, durationSec int64, fare float64, payment *models.Payment) error

	LatestPaymentForTrip(ctx context.Context, tripID string) (*models.Payment, error)
	// ClaimPayment marks a pending payment as handed to the settlement
	// provider and records the chosen method. Exactly one concurrent claim
	// succeeds; the rest get ErrInvalidState.
	ClaimPayment(ctx context.Context, paymentID, method string) error
	SetPaymentStatus(ctx context.Context, paymentID, status string) error
}
