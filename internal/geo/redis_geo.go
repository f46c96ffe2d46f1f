package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shuttle-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Vehicle metadata
// rides alongside the geo set in a per-vehicle hash.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(v models.Vehicle) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: v.Loc.Lon, Latitude: v.Loc.Lat, Name: v.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(v.ID), map[string]interface{}{
		"driver_id":   v.DriverID,
		"online":      strconv.FormatBool(v.Online),
		"available":   strconv.FormatBool(v.Available),
		"ada_capable": strconv.FormatBool(v.ADACapable),
		"location_id": v.LocationID,
		"updated":     time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int) []models.Vehicle {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 10000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Vehicle, 0, len(res))
	for _, g := range res {
		v := models.Vehicle{ID: g.Name}
		v.Loc.Lat = g.Latitude
		v.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			v.DriverID = m["driver_id"]
			v.LocationID = m["location_id"]
			v.Online = m["online"] == "true"
			v.Available = m["available"] == "true"
			v.ADACapable = m["ada_capable"] == "true"
		}
		if !v.Online {
			continue
		}
		out = append(out, v)
	}
	return out
}

func metaKey(id string) string { return "vehicle:meta:" + id }
