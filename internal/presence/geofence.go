package presence

import (
	"math"

	"github.com/your-org/presence/internal/models"
)

const earthRadiusMeters = 6371000.0

// WithinRange reports whether the subject's position satisfies the session's
// geofence. A session without a location never requires verification; a
// geofenced session with no known subject position fails closed. The radius
// comparison is inclusive.
func WithinRange(subject *models.GeoPoint, fence *models.Location) bool {
	if fence == nil {
		return true
	}
	if subject == nil {
		return false
	}
	d := HaversineMeters(subject.Lat, subject.Lng, fence.Lat, fence.Lng)
	return d <= fence.RadiusMeters
}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
