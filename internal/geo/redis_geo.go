package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// geoCommander is the subset of redis commands RedisGeo issues; tests swap
// in a fake.
type geoCommander interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoSearchLocation(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) *redis.GeoSearchLocationCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGeo implements Geo on Redis GEO commands. Positions live in a single
// geo set; the last-update timestamp lives in a per-driver meta hash so that
// stale entries can be filtered out of query results.
type RedisGeo struct {
	client geoCommander
	key    string
	stale  time.Duration
}

func NewRedisGeo(addr, password, key string, staleness time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, stale: staleness}
}

func (r *RedisGeo) Upsert(driverID string, lat, lon float64, now time.Time) {
	ctx := context.Background()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: driverID}).Result()
	_ = r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": now.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Nearby(p models.Coord, radiusKm float64, limit int, now time.Time) []Candidate {
	ctx := context.Background()
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		updated, ok := r.lastUpdate(ctx, g.Name)
		if !ok {
			continue
		}
		if r.stale > 0 && now.Sub(updated) > r.stale {
			// drop the dead entry so it stops matching the radius scan
			_, _ = r.client.ZRem(ctx, r.key, g.Name).Result()
			_ = r.client.Del(ctx, metaKey(g.Name)).Err()
			continue
		}
		out = append(out, Candidate{
			DriverID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
			Updated:    updated,
		})
	}
	return out
}

func (r *RedisGeo) lastUpdate(ctx context.Context, driverID string) (time.Time, bool) {
	v, err := r.client.HGet(ctx, metaKey(driverID), "updated").Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func metaKey(id string) string { return "driver:meta:" + id }
