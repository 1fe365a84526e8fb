package motion

import (
	"math"

	"github.com/Quit4859/trackmybus/pkg/model"
)

const (
	// DefaultAlpha is the fraction of the remaining distance covered per tick
	DefaultAlpha = 0.08
	// DefaultEpsilon is the distance in degrees below which the rendered position snaps
	DefaultEpsilon = 1e-9
)

// Smoother eases a rendered position toward a target with a fixed
// fraction per tick. It never overshoots.
type Smoother struct {
	alpha     float64
	epsilon   float64
	rendered  model.LatLng
	target    model.LatLng
	hasTarget bool
}

func NewSmoother(alpha, epsilon float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Smoother{alpha: alpha, epsilon: epsilon}
}

// SetTarget moves the target. The first target is rendered immediately.
func (s *Smoother) SetTarget(p model.LatLng) {
	s.target = p
	if !s.hasTarget {
		s.rendered = p
		s.hasTarget = true
	}
}

// Snap jumps the rendered position to the target
func (s *Smoother) Snap() {
	s.rendered = s.target
}

// Step advances one tick and reports whether the rendered position moved
func (s *Smoother) Step() (model.LatLng, bool) {
	if !s.hasTarget || s.rendered == s.target {
		return s.rendered, false
	}
	dLat := s.target.Lat - s.rendered.Lat
	dLng := s.target.Lng - s.rendered.Lng
	if math.Abs(dLat) < s.epsilon && math.Abs(dLng) < s.epsilon {
		s.rendered = s.target
		return s.rendered, true
	}
	s.rendered.Lat += dLat * s.alpha
	s.rendered.Lng += dLng * s.alpha
	return s.rendered, true
}

// Rendered returns the current rendered position
func (s *Smoother) Rendered() (model.LatLng, bool) {
	return s.rendered, s.hasTarget
}

// Target returns the latest target
func (s *Smoother) Target() model.LatLng {
	return s.target
}

// Settled reports whether the rendered position reached the target
func (s *Smoother) Settled() bool {
	return s.rendered == s.target
}
