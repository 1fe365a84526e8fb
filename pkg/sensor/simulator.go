package sensor

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/model"
)

// ErrEmptyPath is returned when a route has no path to simulate
var ErrEmptyPath = errors.New("sensor: route path needs at least two points")

// Simulator stands in for a location provider by walking a route path at a
// fixed speed. Useful for demo driver devices without GPS.
type Simulator struct {
	path       []model.LatLng
	interval   time.Duration
	stepMeters float64
	clock      clockwork.Clock
	sink       func(RawFix)
	log        *logrus.Entry

	mu      sync.Mutex
	cur     model.LatLng
	next    int
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	emitted int64
}

// NewSimulator builds a simulator over a [lng, lat] path. Each tick of
// interval moves stepMeters along the path and hands the fix to sink.
func NewSimulator(path [][2]float64, interval time.Duration, stepMeters float64, clock clockwork.Clock, sink func(RawFix), log *logrus.Entry) (*Simulator, error) {
	if len(path) < 2 {
		return nil, ErrEmptyPath
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if stepMeters <= 0 {
		stepMeters = 15
	}
	pts := make([]model.LatLng, len(path))
	for i, p := range path {
		pts[i] = model.LatLng{Lat: p[1], Lng: p[0]}
	}
	return &Simulator{
		path:       pts,
		interval:   interval,
		stepMeters: stepMeters,
		clock:      clock,
		sink:       sink,
		log:        log.WithField("component", "simulator"),
		cur:        pts[0],
		next:       1,
	}, nil
}

// Start begins emitting fixes
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	s.log.WithField("interval", s.interval).Info("Starting route simulation")
	go s.loop(s.stopCh, s.done)
}

// Stop halts the simulation and waits for the loop to exit
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info("Route simulation stopped")
}

func (s *Simulator) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			fix := s.Next()
			if s.sink != nil {
				s.sink(fix)
			}
		case <-stop:
			return
		}
	}
}

// Next advances one step and returns the resulting fix. After the last
// vertex the walk restarts from the first one.
func (s *Simulator) Next() RawFix {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.stepMeters
	for remaining > 0 {
		target := s.path[s.next]
		d := Distance(s.cur, target)
		if d <= remaining {
			s.cur = target
			remaining -= d
			s.next++
			if s.next == len(s.path) {
				s.cur = s.path[0]
				s.next = 1
				break
			}
			continue
		}
		s.cur = Destination(s.cur, InitialBearing(s.cur, target), remaining)
		remaining = 0
	}
	s.emitted++
	acc := 5.0
	return RawFix{Lat: s.cur.Lat, Lng: s.cur.Lng, Accuracy: &acc}
}

// GetStats returns statistics for the simulator
func (s *Simulator) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"running":      s.running,
		"interval_sec": s.interval.Seconds(),
		"step_meters":  s.stepMeters,
		"emitted":      s.emitted,
		"vertices":     len(s.path),
	}
}
