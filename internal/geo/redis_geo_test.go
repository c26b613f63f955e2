package geo

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeGeoClient struct {
	meta    map[string]string
	found   []redis.GeoLocation
	zremmed []string
	deleted []string
}

func (f *fakeGeoClient) GeoAdd(ctx context.Context, key string, locs ...*redis.GeoLocation) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(locs)))
	return cmd
}

func (f *fakeGeoClient) GeoSearchLocation(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) *redis.GeoSearchLocationCmd {
	cmd := redis.NewGeoSearchLocationCmd(ctx, q)
	cmd.SetVal(f.found)
	return cmd
}

func (f *fakeGeoClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeGeoClient) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.meta[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeGeoClient) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	for _, m := range members {
		f.zremmed = append(f.zremmed, m.(string))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (f *fakeGeoClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.deleted = append(f.deleted, keys...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func TestRedisNearbyEvictsStaleMemberAndMeta(t *testing.T) {
	now := time.Now()
	fake := &fakeGeoClient{
		meta: map[string]string{
			"driver:meta:d1": now.Add(-30 * time.Second).UTC().Format(time.RFC3339Nano),
			"driver:meta:d2": now.Add(-10 * time.Minute).UTC().Format(time.RFC3339Nano),
		},
		found: []redis.GeoLocation{
			{Name: "d1", Latitude: 12.9720, Longitude: 77.5950, Dist: 0.1},
			{Name: "d2", Latitude: 12.9730, Longitude: 77.5960, Dist: 0.2},
		},
	}
	g := &RedisGeo{client: fake, key: "drivers_geo", stale: 2 * time.Minute}

	out := g.Nearby(models.Coord{Lat: 12.9716, Lon: 77.5946}, 5, 50, now)
	if len(out) != 1 || out[0].DriverID != "d1" {
		t.Fatalf("expected only the fresh driver, got %+v", out)
	}
	if len(fake.zremmed) != 1 || fake.zremmed[0] != "d2" {
		t.Fatalf("stale member not removed from geo set: %v", fake.zremmed)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "driver:meta:d2" {
		t.Fatalf("stale meta hash not deleted: %v", fake.deleted)
	}
}

func TestRedisNearbySkipsMembersWithoutMeta(t *testing.T) {
	fake := &fakeGeoClient{
		meta:  map[string]string{},
		found: []redis.GeoLocation{{Name: "ghost", Dist: 0.1}},
	}
	g := &RedisGeo{client: fake, key: "drivers_geo", stale: 2 * time.Minute}
	if out := g.Nearby(models.Coord{}, 5, 50, time.Now()); len(out) != 0 {
		t.Fatalf("member without a freshness record should be invisible, got %+v", out)
	}
}
