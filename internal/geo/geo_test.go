package geo

import (
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(12.9716, 77.5946, 12.9716, 77.5946); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetry(t *testing.T) {
	ab := HaversineKm(12.9716, 77.5946, 12.9750, 77.6000)
	ba := HaversineKm(12.9750, 77.6000, 12.9716, 77.5946)
	if math.Abs(ab-ba) > 1e-12 {
		t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// ~700 m apart in central Bangalore
	d := HaversineKm(12.9716, 77.5946, 12.9750, 77.6000)
	if d < 0.6 || d > 0.8 {
		t.Fatalf("expected ~0.7 km, got %f", d)
	}
	// Bangalore to Chennai, ~290 km
	d = HaversineKm(12.9716, 77.5946, 13.0827, 80.2707)
	if d < 280 || d > 300 {
		t.Fatalf("expected ~290 km, got %f", d)
	}
}

func TestNearbyExcludesStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx := NewIndex(2 * time.Minute)
	pickup := models.Coord{Lat: 12.9716, Lon: 77.5946}

	idx.Upsert("d1", 12.9720, 77.5950, now)
	idx.Upsert("d2", 12.9720, 77.5950, now.Add(-10*time.Minute))

	got := idx.Nearby(pickup, 5, 50, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].DriverID != "d1" {
		t.Fatalf("expected d1, got %s", got[0].DriverID)
	}
}

func TestNearbyStaleAtAnyThreshold(t *testing.T) {
	now := time.Now()
	for _, threshold := range []time.Duration{time.Second, time.Minute, time.Hour} {
		idx := NewIndex(threshold)
		idx.Upsert("d1", 1, 1, now.Add(-threshold-time.Nanosecond))
		if got := idx.Nearby(models.Coord{Lat: 1, Lon: 1}, 100, 10, now); len(got) != 0 {
			t.Fatalf("threshold %s: stale driver returned", threshold)
		}
		// exactly at the threshold is still eligible
		idx.Upsert("d2", 1, 1, now.Add(-threshold))
		if got := idx.Nearby(models.Coord{Lat: 1, Lon: 1}, 100, 10, now); len(got) != 1 {
			t.Fatalf("threshold %s: fresh driver excluded", threshold)
		}
	}
}

func TestNearbyOrderAndLimit(t *testing.T) {
	now := time.Now()
	idx := NewIndex(time.Minute)
	idx.Upsert("far", 13.05, 77.60, now)
	idx.Upsert("near", 12.9720, 77.5950, now)
	idx.Upsert("mid", 12.99, 77.60, now)

	got := idx.Nearby(models.Coord{Lat: 12.9716, Lon: 77.5946}, 50, 2, now)
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("wrong order: %s, %s", got[0].DriverID, got[1].DriverID)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("not sorted by distance")
	}
}

func TestNearbyRadius(t *testing.T) {
	now := time.Now()
	idx := NewIndex(time.Minute)
	idx.Upsert("inside", 12.9720, 77.5950, now)
	idx.Upsert("outside", 13.5, 78.5, now)

	got := idx.Nearby(models.Coord{Lat: 12.9716, Lon: 77.5946}, 5, 50, now)
	if len(got) != 1 || got[0].DriverID != "inside" {
		t.Fatalf("radius filter broken: %+v", got)
	}
}

func TestNearbyEmptyIndex(t *testing.T) {
	idx := NewIndex(time.Minute)
	if got := idx.Nearby(models.Coord{}, 5, 50, time.Now()); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestUpsertOverwrites(t *testing.T) {
	now := time.Now()
	idx := NewIndex(time.Minute)
	idx.Upsert("d1", 12.9716, 77.5946, now.Add(-2*time.Minute))
	idx.Upsert("d1", 12.9720, 77.5950, now)

	got := idx.Nearby(models.Coord{Lat: 12.9716, Lon: 77.5946}, 5, 50, now)
	if len(got) != 1 {
		t.Fatalf("refreshed driver should be visible, got %d", len(got))
	}
	if got[0].Loc.Lat != 12.9720 {
		t.Fatalf("stale position returned: %+v", got[0].Loc)
	}
}

func TestEvictStale(t *testing.T) {
	now := time.Now()
	idx := NewIndex(time.Minute)
	idx.Upsert("old", 1, 1, now.Add(-time.Hour))
	idx.Upsert("fresh", 1, 1, now)

	if n := idx.EvictStale(now); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if n := idx.EvictStale(now); n != 0 {
		t.Fatalf("eviction not idempotent, got %d", n)
	}
}
