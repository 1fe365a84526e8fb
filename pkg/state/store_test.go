package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/storage"
)

var epoch = time.Date(2026, 10, 15, 7, 30, 0, 0, time.UTC)

func newStore(t *testing.T, role model.Role, userID string) (*Store, *storage.MemoryBackend) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	s := NewStore(Options{
		Role:    role,
		UserID:  userID,
		Initial: model.Seed(),
		Mirror:  storage.NewMirror(backend, nil),
		Clock:   clockwork.NewFakeClockAt(epoch),
	})
	t.Cleanup(s.Close)
	return s, backend
}

func seedUpdate() model.PositionUpdate {
	return model.PositionUpdate{RouteID: "R-101", Lat: 13.2720, Lng: 76.4880, Heading: 45, IsLive: true, Timestamp: 1}
}

// twoRoutes is the seed plus a second route so selection can change
func twoRoutes() model.Collections {
	c := model.Seed()
	r := c.Routes[0].Clone()
	r.ID, r.Name, r.VehicleID = "R-102", "Hostel Shuttle", ""
	c.Routes = append(c.Routes, r)
	return c
}

func routeJSON(t *testing.T, s *Store, id string) []byte {
	t.Helper()
	r, ok := s.Route(id)
	require.True(t, ok)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data
}

func TestStore_ActiveRouteResolution(t *testing.T) {
	driver, _ := newStore(t, model.RoleDriver, "D-1")
	assert.Equal(t, "R-101", driver.ActiveRouteID())

	rider, _ := newStore(t, model.RoleRider, "S-1")
	assert.Equal(t, "R-101", rider.ActiveRouteID())

	admin, _ := newStore(t, model.RoleAdmin, "")
	assert.Equal(t, "R-101", admin.ActiveRouteID())
}

func TestStore_EchoSuppression(t *testing.T) {
	s, backend := newStore(t, model.RoleDriver, "D-1")
	watch := s.Watch(4)
	before := routeJSON(t, s, "R-101")

	_, err := s.ApplyPosition(seedUpdate())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEchoSuppressed))
	assert.True(t, errors.Is(err, ErrNotPermitted))

	assert.Equal(t, before, routeJSON(t, s, "R-101"))
	assert.Equal(t, 0, backend.Writes())
	assert.Len(t, watch.C(), 0)
}

func TestStore_DriverAcceptsOtherRoutes(t *testing.T) {
	s, _ := newStore(t, model.RoleDriver, "D-1")
	c := s.Collections()
	c.Routes = append(c.Routes, model.Route{ID: "R-202", Name: "Other"})
	s.cols = c

	u := seedUpdate()
	u.RouteID = "R-202"
	r, err := s.ApplyPosition(u)
	require.NoError(t, err)
	assert.True(t, r.IsLive)
}

func TestStore_PartialMerge(t *testing.T) {
	s, backend := newStore(t, model.RoleRider, "S-1")
	watch := s.Watch(4)
	before, _ := s.Route("R-101")

	// start from a different position so the merge is observable
	s.cols.Routes[0].LiveLat, s.cols.Routes[0].LiveLng = 13.0, 76.0

	after, err := s.ApplyPosition(seedUpdate())
	require.NoError(t, err)

	assert.Equal(t, 13.2720, after.LiveLat)
	assert.Equal(t, 76.4880, after.LiveLng)
	assert.Equal(t, 45.0, after.Heading)
	assert.True(t, after.IsLive)

	assert.Equal(t, before.Name, after.Name)
	assert.Equal(t, before.Stops, after.Stops)
	assert.Equal(t, before.Driver, after.Driver)
	assert.Equal(t, before.NumberPlate, after.NumberPlate)
	assert.Equal(t, before.Path, after.Path)

	assert.Equal(t, 1, backend.Writes())
	ch := <-watch.C()
	assert.Equal(t, ChangePosition, ch.Kind)
	assert.Equal(t, "R-101", ch.RouteID)
}

func TestStore_FreezeOnStop(t *testing.T) {
	s, _ := newStore(t, model.RoleRider, "S-1")
	a := model.PositionUpdate{RouteID: "R-101", Lat: 13.0, Lng: 76.0, IsLive: true, Timestamp: 1}
	_, err := s.ApplyPosition(a)
	require.NoError(t, err)

	// actual moves from A to B while not live
	for i := 1; i <= 10; i++ {
		step := float64(i) / 10
		u := model.PositionUpdate{RouteID: "R-101", Lat: 13.0 + 0.1*step, Lng: 76.0 + 0.1*step, Timestamp: int64(1 + i)}
		r, err := s.ApplyPosition(u)
		require.NoError(t, err)
		assert.False(t, r.IsLive)
		assert.Equal(t, 13.0, r.LiveLat)
		assert.Equal(t, 76.0, r.LiveLng)

		pos, ok := r.PositionFor(model.RoleRider)
		assert.True(t, ok)
		assert.Equal(t, model.LatLng{Lat: 13.0, Lng: 76.0}, pos)
	}

	r, err := s.ApplyPosition(model.PositionUpdate{RouteID: "R-101", Lat: 13.1, Lng: 76.1, IsLive: true, Timestamp: 20})
	require.NoError(t, err)
	assert.Equal(t, 13.1, r.LiveLat)
	assert.Equal(t, 76.1, r.LiveLng)
}

func TestStore_StaleUpdateDoesNotResurrectLive(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := NewStore(Options{
		Role:    model.RoleRider,
		UserID:  "S-1",
		Initial: twoRoutes(),
		Mirror:  storage.NewMirror(backend, nil),
		Clock:   clockwork.NewFakeClockAt(epoch),
	})
	t.Cleanup(s.Close)
	live := model.PositionUpdate{RouteID: "R-101", Lat: 13.20, Lng: 76.40, IsLive: true, Timestamp: 10}
	stopped := model.PositionUpdate{RouteID: "R-101", Lat: 13.21, Lng: 76.41, IsLive: false, Timestamp: 11}
	late := model.PositionUpdate{RouteID: "R-101", Lat: 13.25, Lng: 76.45, IsLive: true, Timestamp: 9}

	_, err := s.ApplyPosition(live)
	require.NoError(t, err)
	_, err = s.ApplyPosition(stopped)
	require.NoError(t, err)
	writes := backend.Writes()

	_, err = s.ApplyPosition(late)
	assert.ErrorIs(t, err, ErrStaleUpdate)

	r, _ := s.Route("R-101")
	assert.False(t, r.IsLive)
	assert.Equal(t, 13.20, r.LiveLat)
	assert.Equal(t, 76.40, r.LiveLng)
	assert.Equal(t, 13.21, r.ActualLat)
	assert.Equal(t, writes, backend.Writes())

	// other routes keep their own ordering
	other := late
	other.RouteID = "R-102"
	_, err = s.ApplyPosition(other)
	assert.NoError(t, err)
}

func TestStore_UnknownRoute(t *testing.T) {
	s, _ := newStore(t, model.RoleRider, "S-1")
	u := seedUpdate()
	u.RouteID = "R-404"
	_, err := s.ApplyPosition(u)
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestStore_ApplyPositionRejectsInvalid(t *testing.T) {
	s, _ := newStore(t, model.RoleRider, "S-1")
	u := seedUpdate()
	u.Lat = 120
	_, err := s.ApplyPosition(u)
	assert.ErrorIs(t, err, model.ErrInvalidMessage)
}

func bigSnapshot(ts int64) model.ConfigSnapshot {
	c := model.Collections{}
	for i := 1; i <= 3; i++ {
		c.Routes = append(c.Routes, model.Route{
			ID:    fmt.Sprintf("R-%d", i),
			Name:  fmt.Sprintf("Route %d", i),
			Stops: []model.Stop{{ID: "1", Name: "Depot", Status: model.StopUpcoming, Lat: 13, Lng: 76}},
		})
	}
	c.Vehicles = []model.Vehicle{{ID: "B-1", NumberPlate: "KA-1"}, {ID: "B-2", NumberPlate: "KA-2", DriverID: "D-9"}}
	c.Drivers = []model.Driver{{ID: "D-9", Name: "Asha"}}
	for i := 1; i <= 5; i++ {
		c.Riders = append(c.Riders, model.Rider{ID: fmt.Sprintf("S-%d", i), AssignedRouteID: "R-2"})
	}
	return model.NewConfigSnapshot(c, ts)
}

func TestStore_ConfigIdempotence(t *testing.T) {
	s, backend := newStore(t, model.RoleRider, "S-1")
	watch := s.Watch(8)
	snap := bigSnapshot(100)

	changed, err := s.ReplaceConfig(snap)
	require.NoError(t, err)
	assert.True(t, changed)

	got := s.Collections()
	assert.Len(t, got.Routes, 3)
	assert.Len(t, got.Vehicles, 2)
	assert.Len(t, got.Drivers, 1)
	assert.Len(t, got.Riders, 5)
	assert.Equal(t, snap.Collections(), got)
	assert.Equal(t, int64(100), s.SnapshotTimestamp())
	assert.Equal(t, "R-2", s.ActiveRouteID())
	assert.Equal(t, 1, backend.Writes())
	require.Len(t, watch.C(), 1)
	<-watch.C()

	// redelivery through the wire format
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	again, err := model.DecodeConfigSnapshot(data)
	require.NoError(t, err)
	again.Timestamp = 200

	changed, err = s.ReplaceConfig(again)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, got, s.Collections())
	assert.Equal(t, int64(200), s.SnapshotTimestamp())
	assert.Equal(t, 1, backend.Writes())
	assert.Len(t, watch.C(), 0)
}

func TestStore_AdminRejectsInboundConfig(t *testing.T) {
	s, backend := newStore(t, model.RoleAdmin, "")
	before := s.Collections()

	changed, err := s.ReplaceConfig(bigSnapshot(5))
	assert.False(t, changed)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, before, s.Collections())
	assert.Equal(t, 0, backend.Writes())
}

func TestStore_UpdateConfig(t *testing.T) {
	s, backend := newStore(t, model.RoleAdmin, "")

	snap, err := s.UpdateConfig(func(c *model.Collections) error {
		c.Routes[0].Name = "Express"
		c.Vehicles = append(c.Vehicles, model.Vehicle{ID: "B-2", NumberPlate: "KA-02"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), snap.Timestamp)
	assert.Equal(t, "Express", snap.Routes[0].Name)
	assert.Len(t, snap.Vehicles, 2)
	assert.Equal(t, snap.Collections(), s.Collections())
	assert.Equal(t, 1, backend.Writes())

	// a failing edit leaves state untouched
	_, err = s.UpdateConfig(func(c *model.Collections) error {
		c.Routes = nil
		return errors.New("abort")
	})
	assert.Error(t, err)
	assert.Len(t, s.Routes(), 1)

	// invalid results are rejected
	_, err = s.UpdateConfig(func(c *model.Collections) error {
		c.Routes = append(c.Routes, model.Route{ID: "R-101"})
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInvalidMessage)

	rider, _ := newStore(t, model.RoleRider, "S-1")
	_, err = rider.UpdateConfig(func(*model.Collections) error { return nil })
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestStore_ResetToSeed(t *testing.T) {
	s, _ := newStore(t, model.RoleAdmin, "")
	_, err := s.UpdateConfig(func(c *model.Collections) error {
		c.Routes[0].Name = "Changed"
		return nil
	})
	require.NoError(t, err)

	snap, err := s.ResetToSeed()
	require.NoError(t, err)
	assert.Equal(t, model.Seed(), snap.Collections())
	assert.Equal(t, model.Seed(), s.Collections())
}

func TestStore_UpdateOwnPosition(t *testing.T) {
	s, backend := newStore(t, model.RoleDriver, "D-1")

	u, publish, err := s.UpdateOwnPosition(model.Fix{Lat: 13.28, Lng: 76.49, Heading: 90})
	require.NoError(t, err)
	assert.False(t, publish)
	assert.False(t, u.IsLive)

	r, _ := s.Route("R-101")
	assert.Equal(t, 13.28, r.ActualLat)
	// not live: public position stays frozen
	assert.Equal(t, 13.2720, r.LiveLat)

	u, err = s.SetLive(true)
	require.NoError(t, err)
	assert.True(t, u.IsLive)
	assert.Equal(t, 13.28, u.Lat)
	r, _ = s.Route("R-101")
	assert.Equal(t, 13.28, r.LiveLat)

	u, publish, err = s.UpdateOwnPosition(model.Fix{Lat: 13.29, Lng: 76.50, Heading: 100})
	require.NoError(t, err)
	assert.True(t, publish)
	assert.Equal(t, model.PositionUpdate{RouteID: "R-101", Lat: 13.29, Lng: 76.50, Heading: 100, IsLive: true, Timestamp: epoch.UnixMilli() + 2}, u)

	last, ok := s.LastOwnUpdate()
	require.True(t, ok)
	assert.Equal(t, u, last)
	assert.Equal(t, 3, backend.Writes())

	u, err = s.SetLive(false)
	require.NoError(t, err)
	assert.False(t, u.IsLive)
}

func TestStore_LiveBootstrapFromZero(t *testing.T) {
	s, _ := newStore(t, model.RoleDriver, "D-1")
	s.cols.Routes[0].LiveLat, s.cols.Routes[0].LiveLng = 0, 0

	_, _, err := s.UpdateOwnPosition(model.Fix{Lat: 13.3, Lng: 76.5})
	require.NoError(t, err)
	r, _ := s.Route("R-101")
	assert.Equal(t, 13.3, r.LiveLat)
	assert.Equal(t, 76.5, r.LiveLng)
}

func TestStore_OwnPositionRequiresDriver(t *testing.T) {
	s, _ := newStore(t, model.RoleRider, "S-1")
	_, _, err := s.UpdateOwnPosition(model.Fix{Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, ErrNotPermitted)
	_, err = s.SetLive(true)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestStore_SetActiveRoute(t *testing.T) {
	s, _ := newStore(t, model.RoleAdmin, "")
	assert.ErrorIs(t, s.SetActiveRoute("nope"), ErrUnknownRoute)
	require.NoError(t, s.SetActiveRoute("R-101"))
}

func TestStore_PinnedRouteSurvivesConfigReplace(t *testing.T) {
	s := NewStore(Options{
		Role:          model.RoleRider,
		UserID:        "S-1",
		ActiveRouteID: "R-102",
		Initial:       twoRoutes(),
		Clock:         clockwork.NewFakeClockAt(epoch),
	})
	t.Cleanup(s.Close)
	require.Equal(t, "R-102", s.ActiveRouteID())

	snap := model.NewConfigSnapshot(twoRoutes(), 50)
	snap.Routes[0].Name = "Renamed by admin"
	changed, err := s.ReplaceConfig(snap)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "R-102", s.ActiveRouteID())

	// once the pinned route is removed the assignment takes over
	changed, err = s.ReplaceConfig(bigSnapshot(60))
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "R-2", s.ActiveRouteID())
}

func TestStore_SetActiveRoutePinsAcrossSnapshots(t *testing.T) {
	s := NewStore(Options{Role: model.RoleRider, UserID: "S-1", Initial: twoRoutes(), Clock: clockwork.NewFakeClockAt(epoch)})
	t.Cleanup(s.Close)
	require.Equal(t, "R-101", s.ActiveRouteID())
	require.NoError(t, s.SetActiveRoute("R-102"))

	snap := model.NewConfigSnapshot(twoRoutes(), 80)
	snap.Routes[0].ETA = "3 mins"
	changed, err := s.ReplaceConfig(snap)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "R-102", s.ActiveRouteID())
}

func TestStore_UnpinnedRiderFollowsReassignment(t *testing.T) {
	s := NewStore(Options{Role: model.RoleRider, UserID: "S-1", Initial: twoRoutes(), Clock: clockwork.NewFakeClockAt(epoch)})
	t.Cleanup(s.Close)
	require.Equal(t, "R-101", s.ActiveRouteID())

	snap := model.NewConfigSnapshot(twoRoutes(), 70)
	for i := range snap.Riders {
		if snap.Riders[i].ID == "S-1" {
			snap.Riders[i].AssignedRouteID = "R-102"
		}
	}
	_, err := s.ReplaceConfig(snap)
	require.NoError(t, err)
	assert.Equal(t, "R-102", s.ActiveRouteID())
}

func TestStore_GetStats(t *testing.T) {
	s, _ := newStore(t, model.RoleRider, "S-1")
	_, err := s.ApplyPosition(seedUpdate())
	require.NoError(t, err)

	stats := s.GetStats()
	assert.Equal(t, "rider", stats["role"])
	assert.Equal(t, 1, stats["live_routes"])
	assert.Equal(t, int64(1), stats["positions_applied"])
}

func TestStore_DriverKeepsOwnPositionOnConfigReplace(t *testing.T) {
	s, _ := newStore(t, model.RoleDriver, "D-1")
	_, err := s.SetLive(true)
	require.NoError(t, err)
	_, _, err = s.UpdateOwnPosition(model.Fix{Lat: 13.30, Lng: 76.50, Heading: 12})
	require.NoError(t, err)

	snap := model.NewConfigSnapshot(model.Seed(), 77)
	snap.Routes[0].Name = "Renamed by admin"
	changed, err := s.ReplaceConfig(snap)
	require.NoError(t, err)
	assert.True(t, changed)

	r, _ := s.Route("R-101")
	assert.Equal(t, "Renamed by admin", r.Name)
	assert.True(t, r.IsLive)
	assert.Equal(t, 13.30, r.ActualLat)
	assert.Equal(t, 13.30, r.LiveLat)
	assert.Equal(t, 12.0, r.Heading)
}
