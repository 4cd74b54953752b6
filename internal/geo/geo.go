package geo

import (
	"fmt"
	"math"

	"github.com/example/companion-matching/internal/models"
)

const (
	// earthRadiusM is the spherical Earth radius used by Haversine.
	earthRadiusM = 6371000.0

	// DestinationMatchMeters is the cutoff under which two destinations
	// count as "the same place". Fixed by product, not configurable.
	DestinationMatchMeters = 500.0

	// NearRadiusMeters is the proximity cutoff used for display
	// emphasis. Candidates beyond it are still listed, just not
	// highlighted.
	NearRadiusMeters = 2000.0

	zoneVeryCloseMeters = 500.0
	zoneFarMeters       = 1000.0
)

// Zone is a coarse 3-tier bucketing of distance, used for display only.
type Zone string

const (
	ZoneVeryClose Zone = "very_close"
	ZoneFar       Zone = "far"
	ZoneVeryFar   Zone = "very_far"
)

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b models.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// DestinationsMatch reports whether two destinations count as the same
// place: within DestinationMatchMeters of each other.
func DestinationsMatch(d1, d2 models.Coordinate) bool {
	return Distance(d1, d2) <= DestinationMatchMeters
}

// WithinRadius reports whether p2 is within NearRadiusMeters of p1.
func WithinRadius(p1, p2 models.Coordinate) bool {
	return Distance(p1, p2) <= NearRadiusMeters
}

// ZoneFor partitions a distance into exactly one zone. Boundaries are
// inclusive on the lower tier: 500 m is very_close, 1000 m is far.
func ZoneFor(meters float64) Zone {
	switch {
	case meters <= zoneVeryCloseMeters:
		return ZoneVeryClose
	case meters <= zoneFarMeters:
		return ZoneFar
	default:
		return ZoneVeryFar
	}
}

// FormatDistance renders meters for display: integer meters below 1 km,
// kilometers to one decimal at or above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// Bearing returns the initial compass bearing from one coordinate to
// another, in degrees [0, 360).
func Bearing(from, to models.Coordinate) float64 {
	lat1 := from.Lat * math.Pi / 180
	lat2 := to.Lat * math.Pi / 180
	dLng := (to.Lng - from.Lng) * math.Pi / 180
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
