package eta

import (
	"github.com/nhattrinh17/taker-backend/internal/geo"
	"github.com/nhattrinh17/taker-backend/internal/models"
)

// DefaultSpeedKmh is the assumed walking/riding speed of a provider.
const DefaultSpeedKmh = 20.0

// Estimator turns a straight-line distance into travel minutes at a constant speed.
type Estimator struct {
	SpeedKmh float64
}

func New(speedKmh float64) Estimator {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return Estimator{SpeedKmh: speedKmh}
}

// Estimate returns the travel time in minutes and the distance in km.
func (e Estimator) Estimate(from, to models.Coord) (minutes, km float64) {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	km = geo.DistanceKm(from, to)
	return km / speed * 60, km
}
