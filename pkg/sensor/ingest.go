package sensor

import (
	"context"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/events"
	"github.com/Quit4859/trackmybus/pkg/model"
)

// DefaultJitterDegrees is the smallest derived bearing change that replaces the stored heading
const DefaultJitterDegrees = 10.0

// RawFix is a sample from the location provider. Heading and Accuracy are optional.
type RawFix struct {
	Lat      float64
	Lng      float64
	Heading  *float64
	Accuracy *float64
}

// Config tunes the ingestion filter
type Config struct {
	JitterDegrees float64
	// MaxAccuracyMeters drops fixes reporting a worse accuracy; 0 disables the gate
	MaxAccuracyMeters float64
}

// Ingestor turns raw location and orientation samples into validated fixes
type Ingestor struct {
	cfg Config
	log *logrus.Entry

	mu         sync.Mutex
	prev       *model.LatLng
	heading    float64
	hasHeading bool
	compass    *float64
	last       *model.Fix

	accepted int64
	dropped  int64

	out *events.Bus[model.Fix]
}

func NewIngestor(cfg Config, log *logrus.Entry) *Ingestor {
	if cfg.JitterDegrees <= 0 {
		cfg.JitterDegrees = DefaultJitterDegrees
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingestor{
		cfg: cfg,
		log: log.WithField("component", "sensor"),
		out: events.NewBus[model.Fix](),
	}
}

// Fixes subscribes to accepted fixes
func (in *Ingestor) Fixes(buffer int) *events.Subscription[model.Fix] {
	return in.out.Subscribe(buffer)
}

// OnRawFix validates a sample and derives its heading. Invalid samples are
// dropped and leave the previous fix in place.
func (in *Ingestor) OnRawFix(raw RawFix) (model.Fix, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !model.ValidCoordinate(raw.Lat, raw.Lng) {
		in.dropped++
		in.log.WithFields(logrus.Fields{"lat": raw.Lat, "lng": raw.Lng}).Debug("Dropped invalid fix")
		return model.Fix{}, false
	}
	if in.cfg.MaxAccuracyMeters > 0 && raw.Accuracy != nil {
		acc := *raw.Accuracy
		if math.IsNaN(acc) || math.IsInf(acc, 0) || acc > in.cfg.MaxAccuracyMeters {
			in.dropped++
			in.log.WithField("accuracy", acc).Debug("Dropped inaccurate fix")
			return model.Fix{}, false
		}
	}

	cur := model.LatLng{Lat: raw.Lat, Lng: raw.Lng}
	switch {
	case raw.Heading != nil && finite(*raw.Heading):
		in.setHeading(*raw.Heading)
	case in.compass != nil:
		in.setHeading(*in.compass)
	case in.prev != nil && *in.prev != cur:
		b := InitialBearing(*in.prev, cur)
		if !in.hasHeading || AngularDelta(in.heading, b) >= in.cfg.JitterDegrees {
			in.setHeading(b)
		}
	}
	in.prev = &cur

	fix := model.Fix{Lat: raw.Lat, Lng: raw.Lng, Heading: in.heading}
	in.last = &fix
	in.accepted++
	in.out.Publish(fix)
	return fix, true
}

// OnOrientation records a compass heading and re-emits the last fix with it
func (in *Ingestor) OnOrientation(heading float64) (model.Fix, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !finite(heading) {
		return model.Fix{}, false
	}
	h := model.NormalizeHeading(heading)
	in.compass = &h
	in.setHeading(h)
	if in.last == nil {
		return model.Fix{}, false
	}
	fix := *in.last
	fix.Heading = h
	in.last = &fix
	in.out.Publish(fix)
	return fix, true
}

// ClearOrientation falls back to derived bearings, e.g. when the compass is unavailable
func (in *Ingestor) ClearOrientation() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.compass = nil
}

// Heading returns the stored heading
func (in *Ingestor) Heading() (float64, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.heading, in.hasHeading
}

// Run feeds both providers into the ingestor until ctx is done or both channels close
func (in *Ingestor) Run(ctx context.Context, fixes <-chan RawFix, headings <-chan float64) {
	for fixes != nil || headings != nil {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fixes:
			if !ok {
				fixes = nil
				continue
			}
			in.OnRawFix(f)
		case h, ok := <-headings:
			if !ok {
				headings = nil
				continue
			}
			in.OnOrientation(h)
		}
	}
}

// Close ends every fix subscription
func (in *Ingestor) Close() {
	in.out.Close()
}

// GetStats returns statistics for the ingestor
func (in *Ingestor) GetStats() map[string]interface{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return map[string]interface{}{
		"accepted":       in.accepted,
		"dropped":        in.dropped,
		"heading":        in.heading,
		"compass":        in.compass != nil,
		"jitter_degrees": in.cfg.JitterDegrees,
	}
}

func (in *Ingestor) setHeading(h float64) {
	in.heading = model.NormalizeHeading(h)
	in.hasHeading = true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
