package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Ride statuses. A ride is terminal once completed or cancelled.
const (
	RideSearching = "searching"
	RideAssigned  = "assigned"
	RideNoDriver  = "no_driver"
	RideOngoing   = "ongoing"
	RideCompleted = "completed"
	RideCancelled = "cancelled"
)

// Assignment statuses. Everything except "offered" is terminal.
const (
	AssignOffered  = "offered"
	AssignAccepted = "accepted"
	AssignRejected = "rejected"
	AssignExpired  = "expired"
)

const (
	TripOngoing   = "ongoing"
	TripCompleted = "completed"
)

const (
	PaymentPending = "pending"
	PaymentSettled = "settled"
	PaymentFailed  = "failed"
)

type Ride struct {
	ID             string    `json:"id"`
	RiderID        string    `json:"rider_id,omitempty"`
	Pickup         Coord     `json:"pickup"`
	Destination    Coord     `json:"destination"`
	Tier           string    `json:"tier"`
	PaymentMethod  string    `json:"payment_method"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Terminal reports whether the ride can no longer change state.
func (r *Ride) Terminal() bool {
	return r.Status == RideCompleted || r.Status == RideCancelled
}

// Assignment is a time-bounded offer binding one ride to one driver.
type Assignment struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *Assignment) Terminal() bool { return a.Status != AssignOffered }

type Trip struct {
	ID           string     `json:"id"`
	AssignmentID string     `json:"assignment_id"`
	RideID       string     `json:"ride_id"`
	DriverID     string     `json:"driver_id"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	DistanceKm   float64    `json:"distance_km"`
	DurationSec  int64      `json:"duration_sec"`
	Fare         float64    `json:"fare"`
	Status       string     `json:"status"`
}

type Payment struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	RiderID   string    `json:"rider_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	Claimed   bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverLocation is a driver's last reported position. Records older than
// the configured staleness threshold are invisible to matching queries.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Updated  time.Time `json:"updated"`
}

// OfferNotice is what gets pushed to a driver when an assignment is created.
type OfferNotice struct {
	AssignmentID string    `json:"assignment_id"`
	RideID       string    `json:"ride_id"`
	Pickup       Coord     `json:"pickup"`
	Destination  Coord     `json:"destination"`
	DistanceKm   float64   `json:"distance_km"`
	ExpiresAt    time.Time `json:"expires_at"`
}
