package motion

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/model"
)

// Config tunes the controller
type Config struct {
	TickInterval time.Duration
	Alpha        float64
	Epsilon      float64
	OverviewZoom float64
	FollowZoom   float64
	FollowPitch  float64
	// FlyDurationMs is the transition used for one-off recentering outside the tight follow
	FlyDurationMs int64
	MarkerID      string
}

// DefaultConfig returns a ~60 Hz controller with the mobile framing constants
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second / 60,
		Alpha:         DefaultAlpha,
		Epsilon:       DefaultEpsilon,
		OverviewZoom:  17.5,
		FollowZoom:    19,
		FollowPitch:   60,
		FlyDurationMs: 1000,
		MarkerID:      "vehicle",
	}
}

// Controller owns the rendered vehicle position and the camera lock state
type Controller struct {
	cfg     Config
	surface MapSurface
	clock   clockwork.Clock
	log     *logrus.Entry

	mu          sync.Mutex
	mode        Mode
	headingUp   bool
	smoother    *Smoother
	heading     float64
	isLive      bool
	self        *model.LatLng
	markerDirty bool
	cameraDirty bool
	ticks       int64

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewController(cfg Config, surface MapSurface, clock clockwork.Clock, log *logrus.Entry) *Controller {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.OverviewZoom <= 0 {
		cfg.OverviewZoom = def.OverviewZoom
	}
	if cfg.FollowZoom <= 0 {
		cfg.FollowZoom = def.FollowZoom
	}
	if cfg.FollowPitch <= 0 {
		cfg.FollowPitch = def.FollowPitch
	}
	if cfg.MarkerID == "" {
		cfg.MarkerID = def.MarkerID
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		cfg:      cfg,
		surface:  surface,
		clock:    clock,
		log:      log.WithField("component", "motion"),
		smoother: NewSmoother(cfg.Alpha, cfg.Epsilon),
	}
}

// SetTarget updates the position the vehicle eases toward together with the
// heading and live flag used by the marker
func (c *Controller) SetTarget(p model.LatLng, heading float64, isLive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !model.ValidCoordinate(p.Lat, p.Lng) {
		return
	}
	_, had := c.smoother.Rendered()
	c.smoother.SetTarget(p)
	heading = model.NormalizeHeading(heading)
	if !had || heading != c.heading || isLive != c.isLive {
		c.markerDirty = true
	}
	// the first target snaps without movement; a lock taken before it framed DefaultCenter
	if !had || (heading != c.heading && c.headingUp) {
		c.cameraDirty = true
	}
	c.heading = heading
	c.isLive = isLive
}

// SetSelfPosition records the device's own location for LOCKED_SELF
func (c *Controller) SetSelfPosition(p model.LatLng) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !model.ValidCoordinate(p.Lat, p.Lng) {
		return
	}
	c.self = &p
	if c.mode == ModeLockedSelf {
		c.surface.SetCamera(Camera{Center: p, Zoom: c.cfg.OverviewZoom, DurationMs: c.cfg.FlyDurationMs})
	}
}

// SetMode switches the camera lock state
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setModeLocked(m)
}

func (c *Controller) setModeLocked(m Mode) {
	prev := c.mode
	if prev == m {
		return
	}
	c.mode = m

	if prev == ModeLockedVehicle {
		c.headingUp = false
		c.setInputsLocked(true)
	}

	switch m {
	case ModeLockedVehicle:
		c.setInputsLocked(false)
		c.frameVehicleLocked(0)
	case ModeLockedSelf:
		if c.self != nil {
			c.surface.SetCamera(Camera{Center: *c.self, Zoom: c.cfg.OverviewZoom, DurationMs: c.cfg.FlyDurationMs})
		}
	}
	c.log.WithFields(logrus.Fields{"from": prev.String(), "to": m.String()}).Debug("Camera mode changed")
}

// SetHeadingUp toggles heading-up framing. Enabling it locks onto the vehicle.
func (c *Controller) SetHeadingUp(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if on && c.mode != ModeLockedVehicle {
		c.setModeLocked(ModeLockedVehicle)
	}
	if c.headingUp == on {
		return
	}
	c.headingUp = on
	if c.mode == ModeLockedVehicle {
		c.frameVehicleLocked(c.cfg.FlyDurationMs)
	}
}

// Tick advances the rendered position by one step and re-presents the
// marker and camera when anything they depend on changed
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticks++
	rendered, moved := c.smoother.Step()
	if _, ok := c.smoother.Rendered(); !ok {
		return
	}
	if moved || c.markerDirty {
		c.surface.UpsertMarker(PresentMarker(c.cfg.MarkerID, rendered, c.heading, c.isLive))
		c.markerDirty = false
	}
	if c.mode == ModeLockedVehicle && (moved || c.cameraDirty) {
		// tight follow: the position is already eased
		c.frameVehicleLocked(0)
	}
}

// Start runs Tick on the configured interval
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stopCh, c.done)
}

// Stop halts the tick loop and waits for it to exit
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()
	<-done
}

func (c *Controller) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.Tick()
		case <-stop:
			return
		}
	}
}

// Mode returns the current camera mode
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// HeadingUp reports whether heading-up framing is on
func (c *Controller) HeadingUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headingUp
}

// Rendered returns the current smoothed vehicle position
func (c *Controller) Rendered() (model.LatLng, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoother.Rendered()
}

// GetStats returns statistics for the controller
func (c *Controller) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	rendered, _ := c.smoother.Rendered()
	return map[string]interface{}{
		"mode":       c.mode.String(),
		"heading_up": c.headingUp,
		"running":    c.running,
		"ticks":      c.ticks,
		"rendered":   rendered,
		"target":     c.smoother.Target(),
		"settled":    c.smoother.Settled(),
	}
}

func (c *Controller) frameVehicleLocked(durationMs int64) {
	c.cameraDirty = false
	rendered, ok := c.smoother.Rendered()
	if !ok {
		rendered = model.DefaultCenter
	}
	cam := Camera{Center: rendered, Zoom: c.cfg.OverviewZoom, DurationMs: durationMs}
	if c.headingUp {
		cam.Bearing = c.heading
		cam.Pitch = c.cfg.FollowPitch
		cam.Zoom = c.cfg.FollowZoom
	}
	c.surface.SetCamera(cam)
}

func (c *Controller) setInputsLocked(enabled bool) {
	for _, in := range AllInputs {
		c.surface.SetInputEnabled(in, enabled)
	}
}
