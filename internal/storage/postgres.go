package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// Postgres implements Store on database/sql + lib/pq. State transitions are
// conditional UPDATEs inside a transaction: the WHERE clause carries the
// state guard, so racing writers serialize on the row and exactly one sees
// RowsAffected == 1. The losers get models.ErrInvalidState.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return &Postgres{db: db}, nil
}

// Migrate applies a schema file's contents verbatim.
func (p *Postgres) Migrate(ctx context.Context, ddl string) error {
	_, err := p.db.ExecContext(ctx, ddl)
	return err
}

func (p *Postgres) CreateRide(ctx context.Context, r *models.Ride) error {
	var key sql.NullString
	if r.IdempotencyKey != "" {
		key = sql.NullString{String: r.IdempotencyKey, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, tier, payment_method, status, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Tier, r.PaymentMethod, r.Status, key, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return wrap(err)
}

func (p *Postgres) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return p.scanRide(p.db.QueryRowContext(ctx, rideQuery+` WHERE id = $1`, id))
}

func (p *Postgres) GetRideByIdempotencyKey(ctx context.Context, key string) (*models.Ride, error) {
	return p.scanRide(p.db.QueryRowContext(ctx, rideQuery+` WHERE idempotency_key = $1`, key))
}

const rideQuery = `
	SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, tier, payment_method, status, COALESCE(idempotency_key, ''), created_at
	FROM rides`

func (p *Postgres) scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Tier, &r.PaymentMethod, &r.Status, &r.IdempotencyKey, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &r, nil
}

func (p *Postgres) UpdateRideStatus(ctx context.Context, id string, from []string, to string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return wrap(err)
	}
	return guard(res, p.rideExists(ctx, id))
}

func (p *Postgres) rideExists(ctx context.Context, id string) bool {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id = $1`, id).Scan(&n); err != nil {
		return false
	}
	return true
}

func (p *Postgres) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// invariant: at most one non-terminal assignment per ride
		res, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (id, ride_id, driver_id, status, created_at, expires_at)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (
				SELECT 1 FROM assignments WHERE ride_id = $2 AND status = $4
			)`,
			a.ID, a.RideID, a.DriverID, models.AssignOffered, a.CreatedAt, a.ExpiresAt)
		if err != nil {
			return offerConflict(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInvalidState
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE rides SET status = $1 WHERE id = $2 AND status = $3`,
			models.RideAssigned, a.RideID, models.RideSearching)
		if err != nil {
			return wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInvalidState
		}
		return nil
	})
}

func (p *Postgres) GetAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	return scanAssignment(p.db.QueryRowContext(ctx, assignmentQuery+` WHERE id = $1`, id))
}

func (p *Postgres) LatestAssignment(ctx context.Context, rideID string) (*models.Assignment, error) {
	return scanAssignment(p.db.QueryRowContext(ctx,
		assignmentQuery+` WHERE ride_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, rideID))
}

const assignmentQuery = `
	SELECT id, ride_id, driver_id, status, created_at, expires_at
	FROM assignments`

func scanAssignment(row *sql.Row) (*models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(&a.ID, &a.RideID, &a.DriverID, &a.Status, &a.CreatedAt, &a.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &a, nil
}

func (p *Postgres) CountAssignments(ctx context.Context, rideID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE ride_id = $1`, rideID).Scan(&n)
	return n, wrap(err)
}

func (p *Postgres) AcceptAssignment(ctx context.Context, assignmentID, driverID string, now time.Time, trip *models.Trip) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE assignments SET status = $1
			WHERE id = $2 AND driver_id = $3 AND status = $4 AND expires_at >= $5`,
			models.AssignAccepted, assignmentID, driverID, models.AssignOffered, now)
		if err != nil {
			return wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInvalidState
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE rides SET status = $1 WHERE id = $2 AND status = $3`,
			models.RideOngoing, trip.RideID, models.RideAssigned)
		if err != nil {
			return wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInvalidState
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trips (id, assignment_id, ride_id, driver_id, start_at, distance_km, duration_sec, fare, status)
			VALUES ($1,$2,$3,$4,$5,0,0,0,$6)`,
			trip.ID, trip.AssignmentID, trip.RideID, trip.DriverID, trip.StartAt, models.TripOngoing)
		return wrap(err)
	})
}

func (p *Postgres) FinishAssignment(ctx context.Context, assignmentID, toStatus, rideStatus string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var rideID string
		err := tx.QueryRowContext(ctx, `
			UPDATE assignments SET status = $1
			WHERE id = $2 AND status = $3
			RETURNING ride_id`,
			toStatus, assignmentID, models.AssignOffered).Scan(&rideID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrInvalidState
		}
		if err != nil {
			return wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE rides SET status = $1 WHERE id = $2 AND status = $3`,
			rideStatus, rideID, models.RideAssigned)
		return wrap(err)
	})
}

func (p *Postgres) ExpiredAssignments(ctx context.Context, now time.Time) ([]models.Assignment, error) {
	rows, err := p.db.QueryContext(ctx,
		assignmentQuery+` WHERE status = $1 AND expires_at <= $2`, models.AssignOffered, now)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.RideID, &a.DriverID, &a.Status, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, a)
	}
	return out, wrap(rows.Err())
}

func (p *Postgres) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, ride_id, driver_id, start_at, end_at, distance_km, duration_sec, fare, status
		FROM trips WHERE id = $1`, id)
	var t models.Trip
	var endAt sql.NullTime
	err := row.Scan(&t.ID, &t.AssignmentID, &t.RideID, &t.DriverID, &t.StartAt, &endAt,
		&t.DistanceKm, &t.DurationSec, &t.Fare, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	if endAt.Valid {
		t.EndAt = &endAt.Time
	}
	return &t, nil
}

func (p *Postgres) CompleteTrip(ctx context.Context, tripID string, endAt time.Time, distanceKm float64, durationSec int64, fare float64, payment *models.Payment) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var rideID string
		err := tx.QueryRowContext(ctx, `
			UPDATE trips SET end_at = $1, distance_km = $2, duration_sec = $3, fare = $4, status = $5
			WHERE id = $6 AND status = $7
			RETURNING ride_id`,
			endAt, distanceKm, durationSec, fare, models.TripCompleted, tripID, models.TripOngoing).Scan(&rideID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrInvalidState
		}
		if err != nil {
			return wrap(err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE rides SET status = $1 WHERE id = $2 AND status = $3`,
			models.RideCompleted, rideID, models.RideOngoing)
		if err != nil {
			return wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInvalidState
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, trip_id, rider_id, driver_id, amount, method, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			payment.ID, payment.TripID, payment.RiderID, payment.DriverID,
			payment.Amount, payment.Method, payment.Status, payment.CreatedAt)
		return wrap(err)
	})
}

func (p *Postgres) LatestPaymentForTrip(ctx context.Context, tripID string) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, trip_id, rider_id, driver_id, amount, method, status, claimed, created_at
		FROM payments WHERE trip_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, tripID)
	var pay models.Payment
	err := row.Scan(&pay.ID, &pay.TripID, &pay.RiderID, &pay.DriverID, &pay.Amount, &pay.Method, &pay.Status, &pay.Claimed, &pay.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &pay, nil
}

func (p *Postgres) ClaimPayment(ctx context.Context, paymentID, method string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET claimed = TRUE, method = CASE WHEN $2 = '' THEN method ELSE $2 END
		WHERE id = $1 AND status = $3 AND NOT claimed`,
		paymentID, method, models.PaymentPending)
	if err != nil {
		return wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if qerr := p.db.QueryRowContext(ctx, `SELECT 1 FROM payments WHERE id = $1`, paymentID).Scan(&one); qerr != nil {
			return models.ErrNotFound
		}
		return models.ErrInvalidState
	}
	return nil
}

func (p *Postgres) SetPaymentStatus(ctx context.Context, paymentID, status string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status = $1 WHERE id = $2`, status, paymentID)
	if err != nil {
		return wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// inTx runs fn inside a transaction, committing on success and rolling back
// on any error or panic exit path.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return wrap(tx.Commit())
}

func guard(res sql.Result, exists bool) error {
	if n, _ := res.RowsAffected(); n == 0 {
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrInvalidState
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// offerConflict classifies the error from the guarded offer insert. Under
// read committed two racing transactions can both pass the existence check;
// the loser then trips the partial unique index on open offers, which is the
// same state conflict the check itself reports.
func offerConflict(err error) error {
	if isUniqueViolation(err) {
		return models.ErrInvalidState
	}
	return wrap(err)
}

// wrap classifies driver-level failures as upstream unavailability so
// callers can distinguish them from state conflicts.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
}
