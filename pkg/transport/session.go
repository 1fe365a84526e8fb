package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/events"
)

var (
	// ErrNotConnected is returned by Publish while the session is not CONNECTED
	ErrNotConnected = errors.New("transport: not connected")
	// ErrNoTopics is returned by Subscribe when called without a valid pattern
	ErrNoTopics = errors.New("transport: no topic patterns")
)

// Status is the coarse connection state exposed to callers
type Status int

const (
	StatusDisconnected Status = iota
	StatusReconnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// MarshalText renders the status name in JSON
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Message is an inbound publication
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// PublishOptions controls delivery of a single publication
type PublishOptions struct {
	Retain bool
	QoS    byte
}

// Config holds the broker connection settings
type Config struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	KeepAlive      time.Duration
	SubscribeQoS   byte
	// MessageBuffer is the queue depth of each Messages subscriber
	MessageBuffer int
}

// DefaultConfig returns the settings used by the mobile clients
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "wss://broker.hivemq.com:8000/mqtt",
		ClientIDPrefix: "cbt",
		ConnectTimeout: 4 * time.Second,
		RetryInterval:  time.Second,
		KeepAlive:      30 * time.Second,
		SubscribeQoS:   1,
		MessageBuffer:  256,
	}
}

// ClientFactory builds the underlying MQTT client. Tests replace it with a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Session owns the single broker connection of a device process.
// Callbacks from a previous connection generation are ignored, so a torn
// down session cannot mutate state through late paho callbacks.
type Session struct {
	cfg     Config
	factory ClientFactory
	log     *logrus.Entry

	mu       sync.Mutex
	client   mqtt.Client
	gen      uint64
	status   Status
	clientID string
	patterns map[string]byte

	statusBus *events.Bus[Status]
	msgBus    *events.Bus[Message]
}

// NewSession creates a disconnected session. A nil factory uses paho's NewClient.
func NewSession(cfg Config, factory ClientFactory, log *logrus.Entry) *Session {
	def := DefaultConfig()
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = def.BrokerURL
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = def.ClientIDPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = def.MessageBuffer
	}
	if factory == nil {
		factory = mqtt.NewClient
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		cfg:       cfg,
		factory:   factory,
		log:       log.WithField("component", "transport"),
		patterns:  make(map[string]byte),
		statusBus: events.NewBus[Status](),
		msgBus:    events.NewBus[Message](),
	}
}

// Connect starts the connection loop and returns a status stream.
// A second call while connecting or connected only adds another status subscriber.
func (s *Session) Connect(roleHint string) *events.Subscription[Status] {
	sub := s.statusBus.Subscribe(8)

	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.mu.Unlock()
		return sub
	}
	s.gen++
	gen := s.gen
	s.clientID = NewClientID(s.cfg.ClientIDPrefix, roleHint)
	client := s.factory(s.options(gen))
	s.client = client
	s.setStatusLocked(StatusReconnecting)
	clientID := s.clientID
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"broker":    s.cfg.BrokerURL,
		"client_id": clientID,
	}).Info("Connecting to broker")

	// with ConnectRetry the token only completes once connected or torn down
	go func() {
		tok := client.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil && s.isCurrent(gen) {
			s.log.WithError(err).Warn("Connect attempt ended with error")
		}
	}()
	return sub
}

// Subscribe records the patterns and subscribes to them now if connected.
// Recorded patterns are subscribed again after every reconnect.
func (s *Session) Subscribe(patterns ...string) error {
	var valid []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return ErrNoTopics
	}

	s.mu.Lock()
	for _, p := range valid {
		s.patterns[p] = s.cfg.SubscribeQoS
	}
	connected := s.status == StatusConnected
	client, gen := s.client, s.gen
	s.mu.Unlock()

	if connected {
		s.subscribe(client, gen, valid)
	}
	return nil
}

// Publish hands the payload to the client without waiting for acknowledgement
func (s *Session) Publish(topic string, payload []byte, opts PublishOptions) error {
	s.mu.Lock()
	if s.status != StatusConnected || s.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	client := s.client
	s.mu.Unlock()

	tok := client.Publish(topic, opts.QoS, opts.Retain, payload)
	go s.watch(tok, "publish", topic)
	return nil
}

// Messages returns a stream of inbound publications
func (s *Session) Messages() *events.Subscription[Message] {
	return s.msgBus.Subscribe(s.cfg.MessageBuffer)
}

// Disconnect tears the session down and stops all retries.
// Callbacks still in flight are ignored afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	client := s.client
	s.client = nil
	s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	s.log.Info("Disconnected from broker")
}

// Close disconnects and closes every status and message stream
func (s *Session) Close() {
	s.Disconnect()
	s.statusBus.Close()
	s.msgBus.Close()
}

// Status returns the current connection state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ClientID returns the identity used by the current or last connection
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// GetStats returns session counters for the status API
func (s *Session) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"status":           s.status.String(),
		"client_id":        s.clientID,
		"broker":           s.cfg.BrokerURL,
		"subscriptions":    len(s.patterns),
		"messages_dropped": s.msgBus.Dropped(),
	}
}

func (s *Session) options(gen uint64) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(s.cfg.RetryInterval).
		SetMaxReconnectInterval(s.cfg.RetryInterval).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetKeepAlive(s.cfg.KeepAlive)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) { s.onConnect(c, gen) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { s.onConnectionLost(gen, err) })
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) { s.onReconnecting(gen) })
	opts.SetDefaultPublishHandler(s.handler(gen))
	return opts
}

// onConnect subscribes before announcing CONNECTED so a caller reacting to
// the status never publishes ahead of its own subscriptions
func (s *Session) onConnect(c mqtt.Client, gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	topics := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		topics = append(topics, p)
	}
	s.mu.Unlock()

	if len(topics) > 0 {
		s.subscribe(c, gen, topics)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status == StatusDisconnected {
		return
	}
	s.setStatusLocked(StatusConnected)
	s.log.WithField("client_id", s.clientID).Info("Connected to broker")
}

func (s *Session) onConnectionLost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status == StatusDisconnected {
		return
	}
	s.log.WithError(err).Warn("Connection to broker lost")
	s.setStatusLocked(StatusReconnecting)
}

func (s *Session) onReconnecting(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status == StatusDisconnected {
		return
	}
	s.setStatusLocked(StatusReconnecting)
}

func (s *Session) handler(gen uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		if !s.isCurrent(gen) {
			return
		}
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())
		if s.msgBus.Publish(Message{Topic: m.Topic(), Payload: payload, Retained: m.Retained()}) == 0 {
			s.log.WithField("topic", m.Topic()).Debug("Inbound message had no receiver")
		}
	}
}

// subscribe must be called without s.mu held; fakes may deliver retained
// messages synchronously from inside client.Subscribe.
func (s *Session) subscribe(client mqtt.Client, gen uint64, topics []string) {
	if client == nil {
		return
	}
	for _, t := range topics {
		tok := client.Subscribe(t, s.cfg.SubscribeQoS, s.handler(gen))
		go s.watch(tok, "subscribe", t)
	}
}

func (s *Session) watch(tok mqtt.Token, op, topic string) {
	if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
		s.log.WithFields(logrus.Fields{"op": op, "topic": topic}).Debug("No acknowledgement within timeout")
		return
	}
	if err := tok.Error(); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"op": op, "topic": topic}).Warn("Broker operation failed")
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.status != StatusDisconnected
}

func (s *Session) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	prev := s.status
	s.status = st
	s.statusBus.Publish(st)
	s.log.WithFields(logrus.Fields{"from": prev.String(), "to": st.String()}).Debug("Status changed")
}

// NewClientID returns "<prefix>-<role>-<8 hex>", or "<prefix>-<8 hex>" without a role
func NewClientID(prefix, role string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	parts := []string{prefix}
	if role = strings.TrimSpace(role); role != "" {
		parts = append(parts, role)
	}
	parts = append(parts, token)
	return strings.Join(parts, "-")
}
