package sensor

import (
	"math"

	"github.com/Quit4859/trackmybus/pkg/model"
)

// InitialBearing returns the forward azimuth in degrees [0, 360) of the
// great-circle path from a to b
func InitialBearing(a, b model.LatLng) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return model.NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}

// AngularDelta is the smallest absolute difference between two headings
func AngularDelta(a, b float64) float64 {
	d := math.Abs(model.NormalizeHeading(a) - model.NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Destination moves distance meters from p along bearing degrees on a sphere
func Destination(p model.LatLng, bearing, meters float64) model.LatLng {
	const earthRadius = 6371000.0
	delta := meters / earthRadius
	theta := bearing * math.Pi / 180
	phi1 := p.Lat * math.Pi / 180
	lambda1 := p.Lng * math.Pi / 180

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return model.LatLng{Lat: phi2 * 180 / math.Pi, Lng: math.Mod(lambda2*180/math.Pi+540, 360) - 180}
}

// Distance is the haversine distance between two points in meters
func Distance(a, b model.LatLng) float64 {
	const earthRadius = 6371000.0
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := phi2 - phi1
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}
