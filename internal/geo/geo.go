package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the minimal interface required by the matcher and handlers.
// Nearby excludes drivers whose last update is older than the staleness
// threshold and returns results ordered ascending by distance.
type Geo interface {
	Upsert(driverID string, lat, lon float64, now time.Time)
	Nearby(p models.Coord, radiusKm float64, limit int, now time.Time) []Candidate
}

// Candidate is a driver returned from a radius query.
type Candidate struct {
	DriverID   string
	Loc        models.Coord
	DistanceKm float64
	Updated    time.Time
}

// Index is the in-memory implementation: a map keyed by driver id under a
// RWMutex. Location updates for different drivers never contend beyond the
// map lock; updates for the same driver are last-write-wins.
type Index struct {
	mu        sync.RWMutex
	staleness time.Duration
	drivers   map[string]models.DriverLocation
}

func NewIndex(staleness time.Duration) *Index {
	return &Index{staleness: staleness, drivers: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(driverID string, lat, lon float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = models.DriverLocation{DriverID: driverID, Lat: lat, Lon: lon, Updated: now}
}

func (g *Index) Nearby(p models.Coord, radiusKm float64, limit int, now time.Time) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for _, d := range g.drivers {
		if g.stale(d.Updated, now) {
			continue
		}
		dist := HaversineKm(p.Lat, p.Lon, d.Lat, d.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: d.DriverID, Loc: models.Coord{Lat: d.Lat, Lon: d.Lon}, DistanceKm: dist, Updated: d.Updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EvictStale drops entries past the staleness threshold. Queries already
// ignore stale entries, so this only bounds memory growth.
func (g *Index) EvictStale(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, d := range g.drivers {
		if g.stale(d.Updated, now) {
			delete(g.drivers, id)
			n++
		}
	}
	return n
}

func (g *Index) stale(updated time.Time, now time.Time) bool {
	return g.staleness > 0 && now.Sub(updated) > g.staleness
}

// HaversineKm is the great-circle distance between two lat/lon points on a
// sphere of mean radius 6371 km. Planar distance on raw degrees is off by
// 5-15% at urban scale, so ranking must use this formula.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
