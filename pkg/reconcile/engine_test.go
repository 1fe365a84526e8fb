package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/state"
	"github.com/Quit4859/trackmybus/pkg/storage"
	"github.com/Quit4859/trackmybus/pkg/transport"
	"github.com/Quit4859/trackmybus/pkg/transport/transporttest"
)

const base = "test-fleet/v1"

type publication struct {
	topic   string
	payload []byte
	opts    transport.PublishOptions
}

type recordingPublisher struct {
	mu   sync.Mutex
	pubs []publication
	err  error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, opts transport.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pubs = append(p.pubs, publication{topic: topic, payload: payload, opts: opts})
	return nil
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) all() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.pubs...)
}

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger)
}

type device struct {
	store   *state.Store
	backend *storage.MemoryBackend
	engine  *Engine
}

func newDevice(t *testing.T, role model.Role, userID string, pub Publisher) *device {
	t.Helper()
	backend := storage.NewMemoryBackend()
	store := state.NewStore(state.Options{
		Role:    role,
		UserID:  userID,
		Initial: model.Seed(),
		Mirror:  storage.NewMirror(backend, quietLog()),
		Clock:   clockwork.NewFakeClockAt(time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)),
		Log:     quietLog(),
	})
	t.Cleanup(store.Close)
	engine := NewEngine(store, pub, Options{Topics: model.NewTopics(base), Log: quietLog()})
	return &device{store: store, backend: backend, engine: engine}
}

func positionMessage(t *testing.T, u model.PositionUpdate) transport.Message {
	t.Helper()
	data, err := json.Marshal(u)
	require.NoError(t, err)
	return transport.Message{Topic: base + "/updates/" + u.RouteID, Payload: data}
}

func configMessage(t *testing.T, snap model.ConfigSnapshot) transport.Message {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	return transport.Message{Topic: base + "/config", Payload: data, Retained: true}
}

var liveAtScienceBlock = model.PositionUpdate{RouteID: "R-101", Lat: 13.2720, Lng: 76.4880, Heading: 45, IsLive: true, Timestamp: 1760515200000}

func TestEngine_DriverEchoSuppressed(t *testing.T) {
	d := newDevice(t, model.RoleDriver, "D-1", &recordingPublisher{})
	before, _ := d.store.Route("R-101")
	beforeJSON, _ := json.Marshal(before)

	require.NoError(t, d.engine.HandleMessage(positionMessage(t, liveAtScienceBlock)))

	after, _ := d.store.Route("R-101")
	afterJSON, _ := json.Marshal(after)
	assert.Equal(t, beforeJSON, afterJSON)
	assert.Equal(t, 0, d.backend.Writes())
	assert.Equal(t, int64(1), d.engine.GetStats()["discarded"])
}

func TestEngine_RiderPartialMerge(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	require.NoError(t, d.engine.HandleMessage(positionMessage(t, liveAtScienceBlock)))

	r, _ := d.store.Route("R-101")
	seed := model.Seed().Routes[0]
	assert.Equal(t, 13.2720, r.LiveLat)
	assert.Equal(t, 76.4880, r.LiveLng)
	assert.Equal(t, 45.0, r.Heading)
	assert.True(t, r.IsLive)
	assert.Equal(t, seed.Name, r.Name)
	assert.Equal(t, seed.Stops, r.Stops)
	assert.Equal(t, seed.Driver, r.Driver)
	assert.Equal(t, seed.NumberPlate, r.NumberPlate)
	assert.Equal(t, int64(1), d.engine.GetStats()["applied"])
}

func TestEngine_DuplicateDeliveryIgnored(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	msg := positionMessage(t, liveAtScienceBlock)

	require.NoError(t, d.engine.HandleMessage(msg))
	require.NoError(t, d.engine.HandleMessage(msg))

	stats := d.engine.GetStats()
	assert.Equal(t, int64(1), stats["applied"])
	assert.Equal(t, int64(1), stats["discarded"])
	assert.Equal(t, 1, d.backend.Writes())
}

func TestEngine_MalformedPayloadsDiscarded(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	before := d.store.Collections()

	cases := []transport.Message{
		{Topic: base + "/updates/R-101", Payload: []byte(`{"routeId":"R-101"`)},
		{Topic: base + "/updates/R-101", Payload: []byte(`{"routeId":"R-101","lat":13,"lng":76,"heading":0,"timestamp":1}`)},
		{Topic: base + "/updates/R-999", Payload: positionMessage(t, liveAtScienceBlock).Payload},
		{Topic: base + "/config", Payload: []byte(`{"routes":[]}`)},
	}
	for _, m := range cases {
		err := d.engine.HandleMessage(m)
		assert.ErrorIs(t, err, model.ErrInvalidMessage, m.Topic)
	}
	assert.Equal(t, before, d.store.Collections())
	assert.Equal(t, int64(4), d.engine.GetStats()["malformed"])

	// later valid traffic still flows
	require.NoError(t, d.engine.HandleMessage(positionMessage(t, liveAtScienceBlock)))
	assert.Equal(t, int64(1), d.engine.GetStats()["applied"])

	// cleared retained copies and foreign topics are ignored
	assert.NoError(t, d.engine.HandleMessage(transport.Message{Topic: base + "/config"}))
	assert.NoError(t, d.engine.HandleMessage(transport.Message{Topic: "elsewhere/x", Payload: []byte("{}")}))
}

func TestEngine_UnknownRouteDiscarded(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	u := liveAtScienceBlock
	u.RouteID = "R-404"
	require.NoError(t, d.engine.HandleMessage(positionMessage(t, u)))
	assert.Equal(t, int64(1), d.engine.GetStats()["discarded"])
}

func TestEngine_AdminDiscardsInboundConfig(t *testing.T) {
	d := newDevice(t, model.RoleAdmin, "", &recordingPublisher{})
	before := d.store.Collections()

	snap := model.NewConfigSnapshot(model.Collections{Routes: []model.Route{{ID: "X"}}}, 9)
	require.NoError(t, d.engine.HandleMessage(configMessage(t, snap)))

	assert.Equal(t, before, d.store.Collections())
	assert.Equal(t, 0, d.backend.Writes())
	assert.Equal(t, int64(1), d.engine.GetStats()["discarded"])
}

func TestEngine_EditConfigPublishesSnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDevice(t, model.RoleAdmin, "", pub)

	snap, err := d.engine.EditConfig(func(c *model.Collections) error {
		c.Routes[0].ETA = "5 mins"
		return nil
	})
	require.NoError(t, err)

	pubs := pub.all()
	require.Len(t, pubs, 1)
	assert.Equal(t, base+"/config", pubs[0].topic)
	assert.Equal(t, transport.PublishOptions{Retain: true, QoS: 1}, pubs[0].opts)

	decoded, err := model.DecodeConfigSnapshot(pubs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
	assert.Equal(t, "5 mins", decoded.Routes[0].ETA)

	_, err = newDevice(t, model.RoleRider, "S-1", pub).engine.EditConfig(func(*model.Collections) error { return nil })
	assert.ErrorIs(t, err, state.ErrNotPermitted)
	assert.Len(t, pub.all(), 1)
}

func TestEngine_DriverPublishesOnlyWhileLive(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDevice(t, model.RoleDriver, "D-1", pub)

	_, err := d.engine.ReportFix(model.Fix{Lat: 13.27, Lng: 76.48, Heading: 30})
	require.NoError(t, err)
	assert.Empty(t, pub.all())

	_, err = d.engine.SetLive(true)
	require.NoError(t, err)
	u, err := d.engine.ReportFix(model.Fix{Lat: 13.28, Lng: 76.49, Heading: 35})
	require.NoError(t, err)

	pubs := pub.all()
	require.Len(t, pubs, 2)
	assert.Equal(t, base+"/updates/R-101", pubs[1].topic)
	assert.True(t, pubs[1].opts.Retain)
	got, err := model.DecodePositionUpdate(pubs[1].payload)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = d.engine.SetLive(false)
	require.NoError(t, err)
	last, err := model.DecodePositionUpdate(pub.all()[2].payload)
	require.NoError(t, err)
	assert.False(t, last.IsLive)
}

func TestEngine_RepublishAfterReconnect(t *testing.T) {
	pub := &recordingPublisher{}
	admin := newDevice(t, model.RoleAdmin, "", pub)

	pub.setErr(transport.ErrNotConnected)
	_, err := admin.engine.EditConfig(func(c *model.Collections) error {
		c.Routes[0].Name = "Offline edit"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, admin.engine.GetStats()["pending_config"])

	pub.setErr(nil)
	admin.engine.OnStatus(transport.StatusReconnecting)
	assert.Empty(t, pub.all())

	admin.engine.OnStatus(transport.StatusConnected)
	pubs := pub.all()
	require.Len(t, pubs, 1)
	snap, err := model.DecodeConfigSnapshot(pubs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "Offline edit", snap.Routes[0].Name)
	assert.Equal(t, false, admin.engine.GetStats()["pending_config"])

	// nothing pending, nothing republished
	admin.engine.OnStatus(transport.StatusConnected)
	assert.Len(t, pub.all(), 1)
}

func TestEngine_StartStop(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	msgs := make(chan transport.Message, 1)
	statuses := make(chan transport.Status, 1)

	d.engine.Start(msgs, statuses)
	d.engine.Start(msgs, statuses)
	msgs <- positionMessage(t, liveAtScienceBlock)

	require.Eventually(t, func() bool {
		return d.engine.GetStats()["applied"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)

	d.engine.Stop()
	d.engine.Stop()
	assert.Equal(t, false, d.engine.GetStats()["running"])
}

func TestEngine_MetricsRecorded(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	require.NoError(t, d.engine.HandleMessage(positionMessage(t, liveAtScienceBlock)))

	intervals := d.engine.Sink().Data()
	require.NotEmpty(t, intervals)
	found := false
	for name := range intervals[len(intervals)-1].Counters {
		if name == "trackmybus.reconcile.position.applied" {
			found = true
		}
	}
	assert.True(t, found)
}

// end to end over the in-memory broker
type node struct {
	*device
	session *transport.Session
}

func startNode(t *testing.T, broker *transporttest.Broker, role model.Role, userID string) *node {
	t.Helper()
	session := transport.NewSession(transport.Config{BrokerURL: "tcp://broker.test:1883"}, broker.Factory(), quietLog())
	d := newDevice(t, role, userID, session)
	msgs := session.Messages()
	require.NoError(t, session.Subscribe(d.engine.Subscriptions()...))
	status := session.Connect(string(role))
	d.engine.Start(msgs.C(), status.C())
	t.Cleanup(func() {
		session.Close()
		d.engine.Stop()
	})
	require.Eventually(t, func() bool { return session.Status() == transport.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	return &node{device: d, session: session}
}

func TestEngine_EndToEnd(t *testing.T) {
	broker := transporttest.NewBroker()
	admin := startNode(t, broker, model.RoleAdmin, "")

	snap, err := admin.engine.EditConfig(func(c *model.Collections) error {
		c.Routes[0].Name = "Campus Express (revised)"
		return nil
	})
	require.NoError(t, err)

	// the admin's own snapshot comes back and is discarded without mutation
	require.Eventually(t, func() bool { return admin.engine.GetStats()["discarded"] == int64(1) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, snap.Collections(), admin.store.Collections())
	assert.Equal(t, 1, admin.backend.Writes())

	// a rider joining later catches up from the retained snapshot
	rider := startNode(t, broker, model.RoleRider, "S-1")
	require.Eventually(t, func() bool {
		r, _ := rider.store.Route("R-101")
		return r.Name == "Campus Express (revised)"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, snap.Collections(), rider.store.Collections())

	driver := startNode(t, broker, model.RoleDriver, "D-1")
	require.Eventually(t, func() bool {
		r, _ := driver.store.Route("R-101")
		return r.Name == "Campus Express (revised)"
	}, 2*time.Second, 5*time.Millisecond)
	_, err = driver.engine.SetLive(true)
	require.NoError(t, err)
	_, err = driver.engine.ReportFix(model.Fix{Lat: 13.2750, Lng: 76.4900, Heading: 60})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, _ := rider.store.Route("R-101")
		return r.LiveLat == 13.2750 && r.LiveLng == 76.4900 && r.IsLive
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := broker.Retained(base + "/updates/R-101")
	require.True(t, ok)
	assert.True(t, p.Retained)

	// the driver never re-imports its own broadcast
	require.Eventually(t, func() bool {
		return driver.engine.GetStats()["discarded"].(int64) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	r, _ := driver.store.Route("R-101")
	assert.Equal(t, 60.0, r.Heading)
	assert.True(t, r.IsLive)
	assert.Equal(t, int64(0), driver.store.GetStats()["positions_applied"])
}

func TestEngine_PublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := newDevice(t, model.RoleDriver, "D-1", pub)
	_, err := d.engine.SetLive(true)
	assert.NoError(t, err)
	assert.Equal(t, true, d.engine.GetStats()["pending_position"])
}

// gatedPublisher holds the first publication after arm until release is closed
type gatedPublisher struct {
	recordingPublisher
	gateMu  sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedPublisher) arm() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	p.armed = true
}

func (p *gatedPublisher) Publish(topic string, payload []byte, opts transport.PublishOptions) error {
	p.gateMu.Lock()
	hold := p.armed
	p.armed = false
	p.gateMu.Unlock()
	if hold {
		close(p.entered)
		<-p.release
	}
	return p.recordingPublisher.Publish(topic, payload, opts)
}

func TestEngine_GoingOfflineIsNeverOvertakenByAFix(t *testing.T) {
	pub := newGatedPublisher()
	d := newDevice(t, model.RoleDriver, "D-1", pub)
	_, err := d.engine.SetLive(true)
	require.NoError(t, err)
	pub.arm()

	fixDone := make(chan struct{})
	go func() {
		defer close(fixDone)
		_, err := d.engine.ReportFix(model.Fix{Lat: 13.2750, Lng: 76.4900, Heading: 60})
		assert.NoError(t, err)
	}()
	<-pub.entered

	offDone := make(chan struct{})
	go func() {
		defer close(offDone)
		_, err := d.engine.SetLive(false)
		assert.NoError(t, err)
	}()

	// going offline waits for the fix publication in flight
	assert.Never(t, func() bool {
		select {
		case <-offDone:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	close(pub.release)
	<-fixDone
	<-offDone

	pubs := pub.all()
	require.Len(t, pubs, 3)
	var fix, off model.PositionUpdate
	require.NoError(t, json.Unmarshal(pubs[1].payload, &fix))
	require.NoError(t, json.Unmarshal(pubs[2].payload, &off))
	assert.True(t, fix.IsLive)
	assert.False(t, off.IsLive)
	assert.Greater(t, off.Timestamp, fix.Timestamp)

	r, _ := d.store.Route("R-101")
	assert.False(t, r.IsLive)
	assert.Equal(t, false, d.engine.GetStats()["pending_position"])
}

func TestEngine_StaleUpdateDiscarded(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	stopped := liveAtScienceBlock
	stopped.IsLive = false
	stopped.Timestamp = liveAtScienceBlock.Timestamp + 1000

	require.NoError(t, d.engine.HandleMessage(positionMessage(t, stopped)))
	require.NoError(t, d.engine.HandleMessage(positionMessage(t, liveAtScienceBlock)))

	r, _ := d.store.Route("R-101")
	assert.False(t, r.IsLive)
	stats := d.engine.GetStats()
	assert.Equal(t, int64(1), stats["applied"])
	assert.Equal(t, int64(1), stats["discarded"])
}

func TestEngine_RunFixesReportsUntilClosed(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDevice(t, model.RoleDriver, "D-1", pub)
	_, err := d.engine.SetLive(true)
	require.NoError(t, err)

	fixes := make(chan model.Fix, 2)
	fixes <- model.Fix{Lat: 13.2730, Lng: 76.4890, Heading: 80}
	fixes <- model.Fix{Lat: 13.2740, Lng: 76.4900, Heading: 85}
	close(fixes)

	d.engine.RunFixes(context.Background(), fixes)

	r, _ := d.store.Route("R-101")
	assert.Equal(t, 13.2740, r.ActualLat)
	assert.Equal(t, 85.0, r.Heading)
	assert.Len(t, pub.all(), 3)
}

func TestEngine_RunFixesStopsOnCancel(t *testing.T) {
	d := newDevice(t, model.RoleRider, "S-1", &recordingPublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.engine.RunFixes(ctx, make(chan model.Fix))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunFixes did not return after cancel")
	}
}
