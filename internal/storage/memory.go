package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is the in-process Store used by tests and by local runs without a
// PG_DSN. A single mutex serializes all transitions, which gives the same
// exactly-one-winner semantics the Postgres implementation gets from
// guarded conditional updates.
type Memory struct {
	mu          sync.Mutex
	rides       map[string]*models.Ride
	ridesByKey  map[string]string
	assignments map[string]*models.Assignment
	byRide      map[string][]string // ride id -> assignment ids, oldest first
	trips       map[string]*models.Trip
	payments    map[string]*models.Payment
	byTrip      map[string][]string // trip id -> payment ids, oldest first
}

func NewMemory() *Memory {
	return &Memory{
		rides:       make(map[string]*models.Ride),
		ridesByKey:  make(map[string]string),
		assignments: make(map[string]*models.Assignment),
		byRide:      make(map[string][]string),
		trips:       make(map[string]*models.Trip),
		payments:    make(map[string]*models.Payment),
		byTrip:      make(map[string][]string),
	}
}

func (m *Memory) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.IdempotencyKey != "" {
		if _, taken := m.ridesByKey[r.IdempotencyKey]; taken {
			return ErrDuplicateKey
		}
		m.ridesByKey[r.IdempotencyKey] = r.ID
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *Memory) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetRideByIdempotencyKey(_ context.Context, key string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ridesByKey[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *m.rides[id]
	return &cp, nil
}

func (m *Memory) UpdateRideStatus(_ context.Context, id string, from []string, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveRide(id, from, to)
}

func (m *Memory) moveRide(id string, from []string, to string) error {
	r, ok := m.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			return nil
		}
	}
	return models.ErrInvalidState
}

func (m *Memory) CreateAssignment(_ context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[a.RideID]
	if !ok {
		return models.ErrNotFound
	}
	if r.Status != models.RideSearching {
		return models.ErrInvalidState
	}
	for _, id := range m.byRide[a.RideID] {
		if !m.assignments[id].Terminal() {
			return models.ErrInvalidState
		}
	}
	cp := *a
	m.assignments[a.ID] = &cp
	m.byRide[a.RideID] = append(m.byRide[a.RideID], a.ID)
	r.Status = models.RideAssigned
	return nil
}

func (m *Memory) GetAssignment(_ context.Context, id string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) LatestAssignment(_ context.Context, rideID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRide[rideID]
	if len(ids) == 0 {
		return nil, models.ErrNotFound
	}
	cp := *m.assignments[ids[len(ids)-1]]
	return &cp, nil
}

func (m *Memory) CountAssignments(_ context.Context, rideID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRide[rideID]), nil
}

func (m *Memory) AcceptAssignment(_ context.Context, assignmentID, driverID string, now time.Time, trip *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return models.ErrNotFound
	}
	if a.DriverID != driverID || a.Status != models.AssignOffered || now.After(a.ExpiresAt) {
		return models.ErrInvalidState
	}
	if err := m.moveRide(a.RideID, []string{models.RideAssigned}, models.RideOngoing); err != nil {
		return err
	}
	a.Status = models.AssignAccepted
	cp := *trip
	m.trips[trip.ID] = &cp
	return nil
}

func (m *Memory) FinishAssignment(_ context.Context, assignmentID, toStatus, rideStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return models.ErrNotFound
	}
	if a.Status != models.AssignOffered {
		return models.ErrInvalidState
	}
	a.Status = toStatus
	// the ride moves only when still assigned; a cancel that committed first
	// keeps its terminal state
	if r, ok := m.rides[a.RideID]; ok && r.Status == models.RideAssigned {
		r.Status = rideStatus
	}
	return nil
}

func (m *Memory) ExpiredAssignments(_ context.Context, now time.Time) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.Status == models.AssignOffered && !a.ExpiresAt.After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *Memory) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) CompleteTrip(_ context.Context, tripID string, endAt time.Time, distanceKm float64, durationSec int64, fare float64, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status != models.TripOngoing {
		return models.ErrInvalidState
	}
	if err := m.moveRide(t.RideID, []string{models.RideOngoing}, models.RideCompleted); err != nil {
		return err
	}
	end := endAt
	t.EndAt = &end
	t.DistanceKm = distanceKm
	t.DurationSec = durationSec
	t.Fare = fare
	t.Status = models.TripCompleted
	cp := *payment
	m.payments[payment.ID] = &cp
	m.byTrip[tripID] = append(m.byTrip[tripID], payment.ID)
	return nil
}

func (m *Memory) LatestPaymentForTrip(_ context.Context, tripID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byTrip[tripID]
	if len(ids) == 0 {
		return nil, models.ErrNotFound
	}
	cp := *m.payments[ids[len(ids)-1]]
	return &cp, nil
}

func (m *Memory) ClaimPayment(_ context.Context, paymentID, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return models.ErrNotFound
	}
	if p.Status != models.PaymentPending || p.Claimed {
		return models.ErrInvalidState
	}
	p.Claimed = true
	if method != "" {
		p.Method = method
	}
	return nil
}

func (m *Memory) SetPaymentStatus(_ context.Context, paymentID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return models.ErrNotFound
	}
	p.Status = status
	return nil
}
