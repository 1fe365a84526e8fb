package state

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/events"
	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/storage"
)

var (
	// ErrNotPermitted is returned when the local role may not apply a mutation
	ErrNotPermitted = errors.New("state: not permitted for role")
	// ErrEchoSuppressed marks an inbound update for the driver's own route
	ErrEchoSuppressed = fmt.Errorf("%w: update for own broadcast route", ErrNotPermitted)
	// ErrUnknownRoute is returned when a route id is not in the local collections
	ErrUnknownRoute = errors.New("state: unknown route")
	// ErrStaleUpdate is returned for an update older than the last one applied to its route
	ErrStaleUpdate = errors.New("state: stale update")
)

// ChangeKind classifies a state change notification
type ChangeKind int

const (
	ChangePosition ChangeKind = iota
	ChangeConfig
	ChangeLive
	ChangeActiveRoute
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePosition:
		return "position"
	case ChangeConfig:
		return "config"
	case ChangeLive:
		return "live"
	case ChangeActiveRoute:
		return "active_route"
	}
	return "unknown"
}

// Change notifies watchers that the store was mutated. Watchers re-read
// the store, so a dropped notification never leaves them on stale data
// as long as a later one is delivered.
type Change struct {
	Kind      ChangeKind
	RouteID   string
	Timestamp int64
}

// Options configures a Store
type Options struct {
	Role model.Role
	// UserID resolves the active route after a config replacement
	UserID        string
	ActiveRouteID string
	Initial       model.Collections
	// Mirror is written through on every accepted mutation; nil disables persistence
	Mirror *storage.Mirror
	Clock  clockwork.Clock
	Log    *logrus.Entry
}

// Store is the single owner of a device's collections. Every mutation
// passes the role rules here, is persisted, then announced to watchers.
type Store struct {
	role   model.Role
	userID string
	mirror *storage.Mirror
	clock  clockwork.Clock
	log    *logrus.Entry

	mu            sync.RWMutex
	activeRouteID string
	// pinned is set when the active route was chosen explicitly rather than by assignment
	pinned        bool
	cols          model.Collections
	snapshotTS    int64
	lastOwn       *model.PositionUpdate
	// appliedTS is the timestamp of the last inbound update applied per route
	appliedTS     map[string]int64

	positionsApplied  int64
	configsApplied    int64
	configsIdempotent int64
	persistFailures   int64

	changes *events.Bus[Change]
}

// NewStore creates a store over the initial collections
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	cols := opts.Initial.Clone()
	active := opts.ActiveRouteID
	pinned := active != "" && cols.RouteIndex(active) >= 0
	if !pinned {
		active = cols.ActiveRouteFor(opts.Role, opts.UserID)
	}
	return &Store{
		role:          opts.Role,
		userID:        opts.UserID,
		mirror:        opts.Mirror,
		clock:         opts.Clock,
		log:           opts.Log.WithField("component", "state"),
		activeRouteID: active,
		pinned:        pinned,
		cols:          cols,
		appliedTS:     make(map[string]int64),
		changes:       events.NewBus[Change](),
	}
}

// ApplyPosition merges an inbound PositionUpdate into the matching route.
// Only the position fields change and the live coordinates move only
// while the merged isLive is true. An update older than the last one
// applied to the route is rejected with ErrStaleUpdate.
func (s *Store) ApplyPosition(u model.PositionUpdate) (model.Route, error) {
	if err := u.Validate(); err != nil {
		return model.Route{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == model.RoleDriver && u.RouteID == s.activeRouteID {
		return model.Route{}, ErrEchoSuppressed
	}
	idx := s.cols.RouteIndex(u.RouteID)
	if idx < 0 {
		return model.Route{}, fmt.Errorf("%w: %s", ErrUnknownRoute, u.RouteID)
	}
	if last := s.appliedTS[u.RouteID]; u.Timestamp < last {
		return model.Route{}, fmt.Errorf("%w: %s at %d, last applied %d", ErrStaleUpdate, u.RouteID, u.Timestamp, last)
	}
	s.appliedTS[u.RouteID] = u.Timestamp

	r := &s.cols.Routes[idx]
	before := positionOf(*r)
	r.ActualLat, r.ActualLng = u.Lat, u.Lng
	r.Heading = model.NormalizeHeading(u.Heading)
	r.IsLive = u.IsLive
	if r.IsLive {
		r.LiveLat, r.LiveLng = u.Lat, u.Lng
	}
	s.positionsApplied++

	if positionOf(*r) == before {
		return r.Clone(), nil
	}
	s.persistLocked(storage.KindRoutes)
	s.notifyLocked(ChangePosition, u.RouteID)
	return r.Clone(), nil
}

// ReplaceConfig installs a ConfigSnapshot wholesale. Re-applying content
// equal to the current collections only advances the snapshot timestamp.
func (s *Store) ReplaceConfig(snap model.ConfigSnapshot) (bool, error) {
	if s.role == model.RoleAdmin {
		return false, fmt.Errorf("%w: admin is the only configuration writer", ErrNotPermitted)
	}
	if err := snap.Validate(); err != nil {
		return false, err
	}
	next := snap.Collections()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == model.RoleDriver {
		s.keepOwnPositionLocked(&next)
	}
	s.snapshotTS = snap.Timestamp
	if reflect.DeepEqual(next, s.cols) {
		s.configsIdempotent++
		return false, nil
	}
	s.cols = next
	s.configsApplied++
	s.resolveActiveLocked()
	s.persistLocked()
	s.notifyLocked(ChangeConfig, s.activeRouteID)
	return true, nil
}

// UpdateConfig applies a local admin edit and returns the snapshot to publish
func (s *Store) UpdateConfig(edit func(c *model.Collections) error) (model.ConfigSnapshot, error) {
	if s.role != model.RoleAdmin {
		return model.ConfigSnapshot{}, fmt.Errorf("%w: only admin edits configuration", ErrNotPermitted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.cols.Clone()
	if err := edit(&work); err != nil {
		return model.ConfigSnapshot{}, err
	}
	ts := s.clock.Now().UnixMilli()
	snap := model.NewConfigSnapshot(work, ts)
	if err := snap.Validate(); err != nil {
		return model.ConfigSnapshot{}, err
	}

	s.cols = snap.Collections()
	s.snapshotTS = ts
	s.configsApplied++
	s.resolveActiveLocked()
	s.persistLocked()
	s.notifyLocked(ChangeConfig, s.activeRouteID)
	return snap, nil
}

// ResetToSeed restores the built-in dataset (admin only)
func (s *Store) ResetToSeed() (model.ConfigSnapshot, error) {
	return s.UpdateConfig(func(c *model.Collections) error {
		*c = model.Seed()
		return nil
	})
}

// UpdateOwnPosition applies a fix from the local location provider to the
// driver's route. publish is true when the route is live.
func (s *Store) UpdateOwnPosition(fix model.Fix) (u model.PositionUpdate, publish bool, err error) {
	if s.role != model.RoleDriver {
		return model.PositionUpdate{}, false, fmt.Errorf("%w: only a driver reports its position", ErrNotPermitted)
	}
	if !model.ValidCoordinate(fix.Lat, fix.Lng) {
		return model.PositionUpdate{}, false, fmt.Errorf("%w: invalid fix", model.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.cols.RouteIndex(s.activeRouteID)
	if idx < 0 {
		return model.PositionUpdate{}, false, fmt.Errorf("%w: %q", ErrUnknownRoute, s.activeRouteID)
	}
	r := &s.cols.Routes[idx]
	r.ActualLat, r.ActualLng = fix.Lat, fix.Lng
	r.Heading = model.NormalizeHeading(fix.Heading)
	// the first fix ever seeds the public position even when not live
	if r.IsLive || (r.LiveLat == 0 && r.LiveLng == 0) {
		r.LiveLat, r.LiveLng = fix.Lat, fix.Lng
	}

	u = s.ownUpdateLocked(*r)
	s.persistLocked(storage.KindRoutes)
	s.notifyLocked(ChangePosition, r.ID)
	return u, r.IsLive, nil
}

// SetLive flips the broadcast flag of the driver's route. Going live copies
// the actual position into the public one. The returned update is always
// published so the retained copy reflects the new flag.
func (s *Store) SetLive(live bool) (model.PositionUpdate, error) {
	if s.role != model.RoleDriver {
		return model.PositionUpdate{}, fmt.Errorf("%w: only a driver goes live", ErrNotPermitted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.cols.RouteIndex(s.activeRouteID)
	if idx < 0 {
		return model.PositionUpdate{}, fmt.Errorf("%w: %q", ErrUnknownRoute, s.activeRouteID)
	}
	r := &s.cols.Routes[idx]
	r.IsLive = live
	if live && !(r.ActualLat == 0 && r.ActualLng == 0) {
		r.LiveLat, r.LiveLng = r.ActualLat, r.ActualLng
	}

	u := s.ownUpdateLocked(*r)
	s.persistLocked(storage.KindRoutes)
	s.notifyLocked(ChangeLive, r.ID)
	return u, nil
}

// SetActiveRoute changes which route this device is following
func (s *Store) SetActiveRoute(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cols.RouteIndex(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	s.pinned = true
	if s.activeRouteID == id {
		return nil
	}
	s.activeRouteID = id
	s.notifyLocked(ChangeActiveRoute, id)
	return nil
}

// Snapshot returns the current collections as a ConfigSnapshot
func (s *Store) Snapshot() model.ConfigSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.snapshotTS
	if ts == 0 {
		ts = s.clock.Now().UnixMilli()
	}
	return model.NewConfigSnapshot(s.cols, ts)
}

// LastOwnUpdate returns the latest update produced for the driver's route
func (s *Store) LastOwnUpdate() (model.PositionUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastOwn == nil {
		return model.PositionUpdate{}, false
	}
	return *s.lastOwn, true
}

// Route returns a copy of a route
func (s *Store) Route(id string) (model.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.cols.RouteIndex(id)
	if idx < 0 {
		return model.Route{}, false
	}
	return s.cols.Routes[idx].Clone(), true
}

// ActiveRoute returns a copy of the route this device is following
func (s *Store) ActiveRoute() (model.Route, bool) {
	return s.Route(s.ActiveRouteID())
}

// Routes returns a copy of every route
func (s *Store) Routes() []model.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols.Clone().Routes
}

// Collections returns a deep copy of all collections
func (s *Store) Collections() model.Collections {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols.Clone()
}

// SnapshotTimestamp is the timestamp of the last applied or produced snapshot
func (s *Store) SnapshotTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotTS
}

func (s *Store) Role() model.Role { return s.role }

func (s *Store) ActiveRouteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRouteID
}

// Watch subscribes to change notifications
func (s *Store) Watch(buffer int) *events.Subscription[Change] {
	return s.changes.Subscribe(buffer)
}

// Close ends every watch subscription
func (s *Store) Close() {
	s.changes.Close()
}

// GetStats returns statistics about the state
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := 0
	for _, r := range s.cols.Routes {
		if r.IsLive {
			live++
		}
	}
	return map[string]interface{}{
		"role":               string(s.role),
		"active_route":       s.activeRouteID,
		"routes":             len(s.cols.Routes),
		"live_routes":        live,
		"vehicles":           len(s.cols.Vehicles),
		"drivers":            len(s.cols.Drivers),
		"riders":             len(s.cols.Riders),
		"snapshot_timestamp": s.snapshotTS,
		"positions_applied":  s.positionsApplied,
		"configs_applied":    s.configsApplied,
		"configs_idempotent": s.configsIdempotent,
		"persist_failures":   s.persistFailures,
		"watchers_dropped":   s.changes.Dropped(),
	}
}

// ownUpdateLocked stamps strictly increasing timestamps so receivers never
// mistake two updates for a redelivery
func (s *Store) ownUpdateLocked(r model.Route) model.PositionUpdate {
	ts := s.clock.Now().UnixMilli()
	if s.lastOwn != nil && ts <= s.lastOwn.Timestamp {
		ts = s.lastOwn.Timestamp + 1
	}
	u := model.PositionUpdate{
		RouteID:   r.ID,
		Lat:       r.ActualLat,
		Lng:       r.ActualLng,
		Heading:   r.Heading,
		IsLive:    r.IsLive,
		Timestamp: ts,
	}
	s.lastOwn = &u
	return u
}

// keepOwnPositionLocked carries the driver's own route position into
// incoming collections; the local fix pipeline owns those fields.
func (s *Store) keepOwnPositionLocked(next *model.Collections) {
	cur := s.cols.RouteIndex(s.activeRouteID)
	idx := next.RouteIndex(s.activeRouteID)
	if cur < 0 || idx < 0 {
		return
	}
	own := s.cols.Routes[cur]
	r := &next.Routes[idx]
	r.LiveLat, r.LiveLng = own.LiveLat, own.LiveLng
	r.ActualLat, r.ActualLng = own.ActualLat, own.ActualLng
	r.Heading = own.Heading
	r.IsLive = own.IsLive
}

// resolveActiveLocked keeps the active route valid after the route list
// changed. A pinned route is kept while it exists; otherwise the user's
// assignment wins so a reassignment by the admin is followed.
func (s *Store) resolveActiveLocked() {
	if s.pinned && s.cols.RouteIndex(s.activeRouteID) >= 0 {
		return
	}
	s.pinned = false
	if s.userID != "" {
		s.activeRouteID = s.cols.ActiveRouteFor(s.role, s.userID)
		return
	}
	if s.cols.RouteIndex(s.activeRouteID) < 0 {
		s.activeRouteID = s.cols.ActiveRouteFor(s.role, "")
	}
}

// persistLocked writes through to the mirror. A failed write is logged and
// counted; the in-memory state stays authoritative.
func (s *Store) persistLocked(kinds ...storage.Kind) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(s.cols, kinds...); err != nil {
		s.persistFailures++
		s.log.WithError(err).Warn("Failed to persist state")
	}
}

func (s *Store) notifyLocked(kind ChangeKind, routeID string) {
	s.changes.Publish(Change{Kind: kind, RouteID: routeID, Timestamp: s.clock.Now().UnixMilli()})
}

type position struct {
	liveLat, liveLng, actualLat, actualLng, heading float64
	isLive                                          bool
}

func positionOf(r model.Route) position {
	return position{r.LiveLat, r.LiveLng, r.ActualLat, r.ActualLng, r.Heading, r.IsLive}
}
