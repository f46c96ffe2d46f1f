package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

// Geo is the minimal interface required by the dispatch matcher.
type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Vehicle
	Upsert(v models.Vehicle)
}

type Index struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
}

func NewIndex() *Index {
	return &Index{vehicles: make(map[string]models.Vehicle)}
}

func (g *Index) Upsert(v models.Vehicle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v.Updated = time.Now()
	g.vehicles[v.ID] = v
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon float64, limit int) []models.Vehicle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		v    models.Vehicle
		dist float64
	}
	arr := make([]pair, 0, len(g.vehicles))
	for _, v := range g.vehicles {
		if !v.Online {
			continue
		}
		dist := Haversine(lat, lon, v.Loc.Lat, v.Loc.Lon)
		arr = append(arr, pair{v, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Vehicle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].v)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Dist is Haversine over Coord pairs.
func Dist(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Contains reports whether p lies inside the polygon by ray casting.
// The polygon closes itself; an empty boundary contains nothing.
func Contains(boundary []models.Coord, p models.Coord) bool {
	n := len(boundary)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := boundary[i], boundary[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
