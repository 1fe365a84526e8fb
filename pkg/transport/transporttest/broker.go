// Package transporttest provides an in-memory MQTT broker and paho client
// fake for tests that need retained-message semantics without a network.
package transporttest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publication is a message the broker accepted
type Publication struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Broker routes publications between fake clients and keeps retained messages
type Broker struct {
	mu        sync.Mutex
	online    bool
	retained  map[string]Publication
	published []Publication
	clients   []*Client
}

// NewBroker returns an online broker
func NewBroker() *Broker {
	return &Broker{online: true, retained: make(map[string]Publication)}
}

// Factory creates clients attached to this broker. It is assignable to
// transport.ClientFactory.
func (b *Broker) Factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c := &Client{broker: b, opts: opts, subs: make(map[string]mqtt.MessageHandler)}
		b.mu.Lock()
		b.clients = append(b.clients, c)
		b.mu.Unlock()
		return c
	}
}

// Clients returns every client created through Factory
func (b *Broker) Clients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Client(nil), b.clients...)
}

// SetOnline toggles availability. Going offline drops every connection;
// coming back online completes every pending connect.
func (b *Broker) SetOnline(online bool) {
	b.mu.Lock()
	b.online = online
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		if online {
			c.completeConnect()
		} else {
			c.lose()
		}
	}
}

// Retained returns the retained message for a topic
func (b *Broker) Retained(topic string) (Publication, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Published returns every accepted publication in order
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

// Inject publishes a message as if sent by another device
func (b *Broker) Inject(topic string, payload []byte, retained bool) {
	b.route(Publication{ClientID: "injected", Topic: topic, Payload: payload, QoS: 1, Retained: retained})
}

func (b *Broker) route(p Publication) {
	b.mu.Lock()
	b.published = append(b.published, p)
	if p.Retained {
		if len(p.Payload) == 0 {
			delete(b.retained, p.Topic)
		} else {
			b.retained[p.Topic] = p
		}
	}
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		// live deliveries never carry the retain flag
		c.deliver(p.Topic, p.Payload, p.QoS, false)
	}
}

func (b *Broker) retainedMatching(filter string) []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Publication
	for topic, p := range b.retained {
		if Match(filter, topic) {
			out = append(out, p)
		}
	}
	return out
}

func (b *Broker) isOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Match reports whether an MQTT topic filter matches a topic
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Client is a paho client fake bound to a Broker
type Client struct {
	broker *Broker
	opts   *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	stopped     bool
	pending     *Token
	subs        map[string]mqtt.MessageHandler
	connects    int
	disconnects int
}

var _ mqtt.Client = (*Client)(nil)

// Options exposes the options the client was built with
func (c *Client) Options() *mqtt.ClientOptions { return c.opts }

// Connects counts successful handshakes
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects counts calls to Disconnect
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

// Connect completes at once when the broker is online, otherwise the
// token stays pending until the broker comes back or Disconnect is called.
func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.stopped = false
	tok := newToken()
	c.pending = tok
	c.mu.Unlock()

	if c.broker.isOnline() {
		c.completeConnect()
	}
	return tok
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.stopped = true
	c.disconnects++
	pending := c.pending
	c.pending = nil
	c.subs = make(map[string]mqtt.MessageHandler)
	c.mu.Unlock()

	if pending != nil {
		pending.complete(mqtt.ErrNotConnected)
	}
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if !c.IsConnected() {
		return CompletedToken(mqtt.ErrNotConnected)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	c.broker.route(Publication{ClientID: c.opts.ClientID, Topic: topic, Payload: data, QoS: qos, Retained: retained})
	return CompletedToken(nil)
}

// Subscribe registers the handler and replays retained messages synchronously
func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return CompletedToken(mqtt.ErrNotConnected)
	}
	if callback == nil {
		callback = c.opts.DefaultPublishHandler
	}
	c.subs[topic] = callback
	c.mu.Unlock()

	for _, p := range c.broker.retainedMatching(topic) {
		callback(c, &message{topic: p.Topic, payload: p.Payload, qos: p.QoS, retained: true})
	}
	return CompletedToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return CompletedToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return CompletedToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

func (c *Client) completeConnect() {
	c.mu.Lock()
	if c.stopped || c.connected || c.pending == nil {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.connects++
	tok := c.pending
	c.pending = nil
	c.mu.Unlock()

	tok.complete(nil)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

// lose drops the connection and leaves a pending reconnect behind
func (c *Client) lose() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.subs = make(map[string]mqtt.MessageHandler)
	c.pending = newToken()
	c.mu.Unlock()

	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, mqtt.ErrNotConnected)
	}
	if c.opts.OnReconnecting != nil {
		c.opts.OnReconnecting(c, c.opts)
	}
}

func (c *Client) deliver(topic string, payload []byte, qos byte, retained bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(c, &message{topic: topic, payload: payload, qos: qos, retained: retained})
	}
}

// Token is a paho token fake
type Token struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	once sync.Once
}

var _ mqtt.Token = (*Token)(nil)

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// CompletedToken returns a token that is already done
func CompletedToken(err error) *Token {
	t := newToken()
	t.complete(err)
	return t
}

func (t *Token) complete(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *Token) Wait() bool {
	<-t.done
	return true
}

func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.done }

func (t *Token) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return m.qos }
func (m *message) Retained() bool    { return m.retained }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
