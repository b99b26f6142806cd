package trip

import (
	"github.com/golang/geo/s2"

	"route-tracker/internal/model"
)

const earthRadiusMeters = 6371000.0

// PathLength returns the great-circle length of the path in meters.
func PathLength(pts model.RoutePoints) float64 {
	var sum float64
	for i := 1; i < len(pts); i++ {
		a := s2.LatLngFromDegrees(pts[i-1].Lat, pts[i-1].Lng)
		b := s2.LatLngFromDegrees(pts[i].Lat, pts[i].Lng)
		sum += a.Distance(b).Radians() * earthRadiusMeters
	}
	return sum
}
