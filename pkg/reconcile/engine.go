package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/logging"
	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/state"
	"github.com/Quit4859/trackmybus/pkg/transport"
)

// Publisher sends payloads to the broker without waiting for acknowledgement
type Publisher interface {
	Publish(topic string, payload []byte, opts transport.PublishOptions) error
}

// Options configures an Engine
type Options struct {
	Topics      model.Topics
	PositionQoS byte
	DedupSize   int
	Events      *logging.EventLogger
	Log         *logrus.Entry
}

// Engine applies inbound broker messages to the store under the role
// rules and publishes local mutations. Inbound messages are handled one
// at a time by the Start loop.
type Engine struct {
	store  *state.Store
	pub    Publisher
	topics model.Topics
	posQoS byte
	cache  *DeduplicationCache
	events *logging.EventLogger
	log    *logrus.Entry

	sink    *metrics.InmemSink
	metrics *metrics.Metrics

	// publishMu orders local mutations with their publications so the
	// retained copy on the broker is always the newest local state
	publishMu sync.Mutex

	// Execution control
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	mutex   sync.Mutex

	// Publications that failed while offline, retried on the next CONNECTED
	pendingConfig   bool
	pendingPosition bool

	// Counters
	receivedCount  int64
	appliedCount   int64
	discardedCount int64
	malformedCount int64
	publishedCount int64
}

// NewEngine creates an engine bound to a store and a publisher
func NewEngine(store *state.Store, pub Publisher, opts Options) *Engine {
	if opts.Topics.Base == "" {
		opts.Topics = model.NewTopics("")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Events == nil {
		opts.Events = logging.NewEventLogger(string(store.Role()), opts.Log.Logger)
	}

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig("trackmybus")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := metrics.New(cfg, sink)
	if err != nil {
		opts.Log.WithError(err).Warn("Metrics disabled")
	}

	return &Engine{
		store:   store,
		pub:     pub,
		topics:  opts.Topics,
		posQoS:  opts.PositionQoS,
		cache:   NewDeduplicationCache(opts.DedupSize),
		events:  opts.Events,
		log:     opts.Log.WithField("component", "reconcile"),
		sink:    sink,
		metrics: m,
	}
}

// Subscriptions lists the topic patterns this device must follow
func (e *Engine) Subscriptions() []string {
	return []string{e.topics.UpdatesWildcard(), e.topics.Config()}
}

// Start runs the serialized processing loop over inbound messages and status changes
func (e *Engine) Start(messages <-chan transport.Message, statuses <-chan transport.Status) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})

	e.log.WithField("role", e.store.Role()).Info("Starting reconciliation loop")
	go e.loop(messages, statuses, e.stopCh, e.done)
}

// Stop halts the loop and waits for the message being processed to finish
func (e *Engine) Stop() {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.done
	e.mutex.Unlock()

	<-done
	e.log.Info("Reconciliation loop stopped")
}

func (e *Engine) loop(messages <-chan transport.Message, statuses <-chan transport.Status, stop, done chan struct{}) {
	defer close(done)
	for messages != nil || statuses != nil {
		select {
		case <-stop:
			return
		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			// rejected messages are already counted and logged
			_ = e.HandleMessage(m)
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			e.OnStatus(st)
		}
	}
}

// HandleMessage decodes an inbound publication and dispatches it by topic.
// Malformed payloads are logged and discarded.
func (e *Engine) HandleMessage(m transport.Message) error {
	e.count(&e.receivedCount, "received")

	kind, topicRoute := e.topics.Classify(m.Topic)
	switch kind {
	case model.TopicPosition:
		if len(m.Payload) == 0 {
			// retained copy cleared
			return nil
		}
		u, err := model.DecodePositionUpdate(m.Payload)
		if err != nil {
			return e.malformed(m.Topic, err)
		}
		if u.RouteID != topicRoute {
			return e.malformed(m.Topic, fmt.Errorf("%w: routeId %q does not match topic", model.ErrInvalidMessage, u.RouteID))
		}
		return e.OnPositionUpdate(u)
	case model.TopicConfig:
		if len(m.Payload) == 0 {
			return nil
		}
		snap, err := model.DecodeConfigSnapshot(m.Payload)
		if err != nil {
			return e.malformed(m.Topic, err)
		}
		return e.OnConfigSnapshot(snap)
	}
	e.discard(m.Topic, "unknown topic")
	return nil
}

// OnPositionUpdate applies a decoded position update. Echoes, unknown
// routes and duplicate deliveries are discarded.
func (e *Engine) OnPositionUpdate(u model.PositionUpdate) error {
	topic := e.topics.Updates(u.RouteID)
	if e.cache.Seen(u.RouteID, u.Timestamp) {
		e.discard(topic, "duplicate delivery")
		return nil
	}

	r, err := e.store.ApplyPosition(u)
	switch {
	case err == nil:
		e.count(&e.appliedCount, "position", "applied")
		e.events.LogPositionApplied(r.ID, u.Lat, u.Lng, r.IsLive, u.Timestamp)
		return nil
	case errors.Is(err, state.ErrStaleUpdate):
		e.discard(topic, err.Error())
		return nil
	case errors.Is(err, state.ErrNotPermitted), errors.Is(err, state.ErrUnknownRoute):
		// a rejected update may become applicable later, e.g. after a config change
		e.cache.Forget(u.RouteID, u.Timestamp)
		e.discard(topic, err.Error())
		return nil
	default:
		e.cache.Forget(u.RouteID, u.Timestamp)
		return e.malformed(topic, err)
	}
}

// OnConfigSnapshot installs a decoded configuration snapshot. An admin
// device discards it.
func (e *Engine) OnConfigSnapshot(snap model.ConfigSnapshot) error {
	changed, err := e.store.ReplaceConfig(snap)
	switch {
	case err == nil:
		e.count(&e.appliedCount, "config", "applied")
		e.events.LogConfigReplaced(len(snap.Routes), len(snap.Vehicles), len(snap.Drivers), len(snap.Riders), changed, snap.Timestamp)
		return nil
	case errors.Is(err, state.ErrNotPermitted):
		e.discard(e.topics.Config(), err.Error())
		return nil
	default:
		return e.malformed(e.topics.Config(), err)
	}
}

// EditConfig applies a local admin edit and publishes the full snapshot
func (e *Engine) EditConfig(edit func(c *model.Collections) error) (model.ConfigSnapshot, error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	snap, err := e.store.UpdateConfig(edit)
	if err != nil {
		return model.ConfigSnapshot{}, err
	}
	e.publishConfig(snap)
	return snap, nil
}

// ResetConfig restores the seed dataset and publishes it
func (e *Engine) ResetConfig() (model.ConfigSnapshot, error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	snap, err := e.store.ResetToSeed()
	if err != nil {
		return model.ConfigSnapshot{}, err
	}
	e.publishConfig(snap)
	return snap, nil
}

// ReportFix applies a local fix to the driver's route and publishes it while live
func (e *Engine) ReportFix(fix model.Fix) (model.PositionUpdate, error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	u, publish, err := e.store.UpdateOwnPosition(fix)
	if err != nil {
		return model.PositionUpdate{}, err
	}
	if publish {
		e.publishPosition(u)
	}
	return u, nil
}

// RunFixes reports accepted local fixes until ctx is done or the stream closes
func (e *Engine) RunFixes(ctx context.Context, fixes <-chan model.Fix) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			if _, err := e.ReportFix(fix); err != nil {
				e.log.WithError(err).Debug("local fix not applied")
			}
		}
	}
}

// SetLive toggles broadcasting and publishes the new flag
func (e *Engine) SetLive(live bool) (model.PositionUpdate, error) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	u, err := e.store.SetLive(live)
	if err != nil {
		return model.PositionUpdate{}, err
	}
	e.publishPosition(u)
	return u, nil
}

// OnStatus retries publications that failed while the session was down
func (e *Engine) OnStatus(st transport.Status) {
	e.events.LogStatus(st.String())
	if st != transport.StatusConnected {
		return
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mutex.Lock()
	config, position := e.pendingConfig, e.pendingPosition
	e.mutex.Unlock()

	if config && e.store.Role() == model.RoleAdmin {
		e.publishConfig(e.store.Snapshot())
	}
	if position && e.store.Role() == model.RoleDriver {
		if u, ok := e.store.LastOwnUpdate(); ok {
			e.publishPosition(u)
		}
	}
}

func (e *Engine) publishConfig(snap model.ConfigSnapshot) {
	err := e.publishJSON(e.topics.Config(), snap, transport.PublishOptions{Retain: true, QoS: 1})
	e.mutex.Lock()
	e.pendingConfig = err != nil
	e.mutex.Unlock()
}

func (e *Engine) publishPosition(u model.PositionUpdate) {
	// remember our own publication so a redelivery is not applied twice
	e.cache.Seen(u.RouteID, u.Timestamp)
	err := e.publishJSON(e.topics.Updates(u.RouteID), u, transport.PublishOptions{Retain: true, QoS: e.posQoS})
	e.mutex.Lock()
	e.pendingPosition = err != nil
	e.mutex.Unlock()
}

func (e *Engine) publishJSON(topic string, v interface{}, opts transport.PublishOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		e.events.LogError("encode "+topic, err)
		return err
	}
	err = e.pub.Publish(topic, data, opts)
	e.events.LogPublished(topic, len(data), opts.Retain, err)
	if err == nil {
		e.count(&e.publishedCount, "published")
	} else {
		e.incr("publish", "failed")
	}
	return err
}

func (e *Engine) malformed(topic string, err error) error {
	e.count(&e.malformedCount, "malformed")
	e.events.LogMalformed(topic, err)
	return err
}

func (e *Engine) discard(topic, reason string) {
	e.count(&e.discardedCount, "discarded")
	e.events.LogDiscarded(topic, reason)
}

func (e *Engine) count(c *int64, name ...string) {
	e.mutex.Lock()
	*c++
	e.mutex.Unlock()
	e.incr(name...)
}

func (e *Engine) incr(name ...string) {
	if e.metrics != nil {
		e.metrics.IncrCounter(append([]string{"reconcile"}, name...), 1)
	}
}

// Sink exposes the in-memory metrics for the status API
func (e *Engine) Sink() *metrics.InmemSink {
	return e.sink
}

// GetStats returns statistics about the engine
func (e *Engine) GetStats() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return map[string]interface{}{
		"running":          e.running,
		"received":         e.receivedCount,
		"applied":          e.appliedCount,
		"discarded":        e.discardedCount,
		"malformed":        e.malformedCount,
		"published":        e.publishedCount,
		"pending_config":   e.pendingConfig,
		"pending_position": e.pendingPosition,
		"dedup_size":       e.cache.Size(),
	}
}
