package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func seedOfferedAssignment(t *testing.T, m *Memory) *models.Assignment {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	r := &models.Ride{ID: "r1", Status: models.RideSearching}
	if err := m.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}
	a := &models.Assignment{ID: "a1", RideID: "r1", DriverID: "d1", Status: models.AssignOffered, CreatedAt: now, ExpiresAt: now.Add(10 * time.Second)}
	if err := m.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}
	return a
}

func seedCompletedTrip(t *testing.T, m *Memory) *models.Payment {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	a := seedOfferedAssignment(t, m)
	trip := &models.Trip{ID: "t1", AssignmentID: a.ID, RideID: a.RideID, DriverID: "d1", StartAt: now, Status: models.TripOngoing}
	if err := m.AcceptAssignment(ctx, a.ID, "d1", now, trip); err != nil {
		t.Fatal(err)
	}
	p := &models.Payment{ID: "p1", TripID: "t1", Amount: 10, Method: "card", Status: models.PaymentPending, CreatedAt: now}
	if err := m.CompleteTrip(ctx, "t1", now.Add(time.Minute), 5, 600, 10, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFinishAssignmentAfterRideCancelled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedOfferedAssignment(t, m)

	// rider cancel landed first
	if err := m.UpdateRideStatus(ctx, "r1", []string{models.RideAssigned}, models.RideCancelled); err != nil {
		t.Fatal(err)
	}
	if err := m.FinishAssignment(ctx, a.ID, models.AssignExpired, models.RideSearching); err != nil {
		t.Fatalf("finish should still retire the offer: %v", err)
	}
	got, _ := m.GetAssignment(ctx, a.ID)
	if got.Status != models.AssignExpired {
		t.Fatalf("expected expired assignment, got %s", got.Status)
	}
	r, _ := m.GetRide(ctx, "r1")
	if r.Status != models.RideCancelled {
		t.Fatalf("cancel must keep its terminal state, got %s", r.Status)
	}
}

func TestFinishAssignmentAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedOfferedAssignment(t, m)

	if err := m.FinishAssignment(ctx, a.ID, models.AssignExpired, models.RideNoDriver); err != nil {
		t.Fatal(err)
	}
	if err := m.FinishAssignment(ctx, a.ID, models.AssignRejected, models.RideNoDriver); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaimPaymentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := seedCompletedTrip(t, m)

	if err := m.ClaimPayment(ctx, p.ID, "cash"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := m.ClaimPayment(ctx, p.ID, "card"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
	got, _ := m.LatestPaymentForTrip(ctx, "t1")
	if !got.Claimed || got.Method != "cash" {
		t.Fatalf("claim not recorded: %+v", got)
	}
}

func TestClaimPaymentKeepsMethodWhenUnset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := seedCompletedTrip(t, m)

	if err := m.ClaimPayment(ctx, p.ID, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, _ := m.LatestPaymentForTrip(ctx, "t1")
	if got.Method != "card" {
		t.Fatalf("empty method should keep the recorded one, got %s", got.Method)
	}
}

func TestClaimPaymentUnknown(t *testing.T) {
	if err := NewMemory().ClaimPayment(context.Background(), "nope", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimPaymentAfterSettled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := seedCompletedTrip(t, m)
	if err := m.SetPaymentStatus(ctx, p.ID, models.PaymentSettled); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimPayment(ctx, p.ID, ""); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
