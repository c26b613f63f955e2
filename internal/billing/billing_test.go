package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestComputeFareStandard(t *testing.T) {
	// base 2.0 + 12.5km * 1.5 + 20min * 0.2 = 24.75
	got := ComputeFare(12.5, 1200, "standard")
	if got != 24.75 {
		t.Fatalf("expected 24.75, got %f", got)
	}
}

func TestComputeFareTierMultiplier(t *testing.T) {
	standard := ComputeFare(10, 600, "standard")
	premium := ComputeFare(10, 600, "premium")
	if premium != standard*1.5 {
		t.Fatalf("premium should be 1.5x standard: %f vs %f", premium, standard)
	}
}

func TestComputeFareUnknownTier(t *testing.T) {
	if ComputeFare(10, 600, "hoverboard") != ComputeFare(10, 600, "standard") {
		t.Fatal("unknown tier should price as standard")
	}
}

func TestComputeFareDeterministic(t *testing.T) {
	a := ComputeFare(7.3, 950, "xl")
	b := ComputeFare(7.3, 950, "xl")
	if a != b {
		t.Fatalf("fare not deterministic: %f vs %f", a, b)
	}
}

type fakeSettler struct {
	err    error
	called chan struct{}
}

func (f *fakeSettler) Settle(ctx context.Context, p *models.Payment) error {
	close(f.called)
	return f.err
}

func seedPayment(t *testing.T, store *storage.Memory) *models.Payment {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	ride := &models.Ride{ID: "r1", Status: models.RideSearching, Pickup: models.Coord{Lat: 1, Lon: 1}}
	if err := store.CreateRide(ctx, ride); err != nil {
		t.Fatal(err)
	}
	a := &models.Assignment{ID: "a1", RideID: "r1", DriverID: "d1", Status: models.AssignOffered, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}
	trip := &models.Trip{ID: "t1", AssignmentID: "a1", RideID: "r1", DriverID: "d1", StartAt: now, Status: models.TripOngoing}
	if err := store.AcceptAssignment(ctx, "a1", "d1", now, trip); err != nil {
		t.Fatal(err)
	}
	p := &models.Payment{ID: "p1", TripID: "t1", Amount: 24.75, Method: "card", Status: models.PaymentPending, CreatedAt: now}
	if err := store.CompleteTrip(ctx, "t1", now.Add(time.Minute), 12.5, 1200, 24.75, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitForStatus(t *testing.T, store *storage.Memory, paymentID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := store.LatestPaymentForTrip(context.Background(), "t1")
		if err == nil && p.ID == paymentID && p.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("payment %s never reached %s", paymentID, want)
}

func TestTriggerSettlementSettles(t *testing.T) {
	store := storage.NewMemory()
	seeded := seedPayment(t, store)
	settler := &fakeSettler{called: make(chan struct{})}
	s := &Service{Store: store, Settler: settler}

	p, err := s.TriggerSettlement(context.Background(), "t1", "card")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if p.ID != seeded.ID || p.Status != models.PaymentPending {
		t.Fatalf("expected pending snapshot, got %+v", p)
	}
	<-settler.called
	waitForStatus(t, store, p.ID, models.PaymentSettled)
}

func TestTriggerSettlementFailure(t *testing.T) {
	store := storage.NewMemory()
	seedPayment(t, store)
	settler := &fakeSettler{err: errors.New("provider down"), called: make(chan struct{})}
	s := &Service{Store: store, Settler: settler}

	p, err := s.TriggerSettlement(context.Background(), "t1", "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-settler.called
	waitForStatus(t, store, p.ID, models.PaymentFailed)
}

func TestTriggerSettlementUnknownTrip(t *testing.T) {
	s := &Service{Store: storage.NewMemory(), Settler: &fakeSettler{called: make(chan struct{})}}
	if _, err := s.TriggerSettlement(context.Background(), "nope", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type countingSettler struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (c *countingSettler) Settle(ctx context.Context, p *models.Payment) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	<-c.release
	return nil
}

func (c *countingSettler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestTriggerSettlementConcurrentSingleDispatch(t *testing.T) {
	store := storage.NewMemory()
	seeded := seedPayment(t, store)
	settler := &countingSettler{release: make(chan struct{})}
	s := &Service{Store: store, Settler: settler}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TriggerSettlement(context.Background(), "t1", "card"); err != nil {
				t.Errorf("trigger: %v", err)
			}
		}()
	}
	wg.Wait()

	// the winning dispatch is parked on release; give any extra one time to
	// show up before counting
	time.Sleep(50 * time.Millisecond)
	if got := settler.count(); got != 1 {
		t.Fatalf("expected exactly one settlement dispatch, got %d", got)
	}
	close(settler.release)
	waitForStatus(t, store, seeded.ID, models.PaymentSettled)
}

func TestTriggerSettlementAlreadySettled(t *testing.T) {
	store := storage.NewMemory()
	seeded := seedPayment(t, store)
	if err := store.SetPaymentStatus(context.Background(), seeded.ID, models.PaymentSettled); err != nil {
		t.Fatal(err)
	}
	settler := &fakeSettler{called: make(chan struct{})}
	s := &Service{Store: store, Settler: settler}

	p, err := s.TriggerSettlement(context.Background(), "t1", "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if p.Status != models.PaymentSettled {
		t.Fatalf("expected settled snapshot, got %s", p.Status)
	}
	select {
	case <-settler.called:
		t.Fatal("settler should not run for a settled payment")
	case <-time.After(50 * time.Millisecond):
	}
}
