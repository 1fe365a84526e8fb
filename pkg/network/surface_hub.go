package network

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/events"
	"github.com/Quit4859/trackmybus/pkg/motion"
)

const (
	frameCamera = "camera"
	frameMarker = "marker"
	frameInput  = "input"

	hubClientBuffer = 64
	hubWriteTimeout = 5 * time.Second
)

// Frame is one map surface instruction sent to websocket viewers
type Frame struct {
	Type    string            `json:"type"`
	Camera  *motion.Camera    `json:"camera,omitempty"`
	Marker  *motion.Marker    `json:"marker,omitempty"`
	Input   motion.InputClass `json:"input,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// SurfaceHub is a motion.MapSurface that mirrors every camera, marker and
// input instruction to connected websocket viewers. A viewer that falls
// behind loses frames instead of stalling the tick loop.
type SurfaceHub struct {
	upgrader websocket.Upgrader
	bus      *events.Bus[[]byte]
	log      *logrus.Entry

	mu      sync.Mutex
	camera  []byte
	markers map[string][]byte
	inputs  map[motion.InputClass][]byte
	clients int
}

func NewSurfaceHub(log *logrus.Entry) *SurfaceHub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SurfaceHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bus:     events.NewBus[[]byte](),
		log:     log.WithField("component", "surface"),
		markers: make(map[string][]byte),
		inputs:  make(map[motion.InputClass][]byte),
	}
}

func (h *SurfaceHub) SetCamera(c motion.Camera) {
	data := h.encode(Frame{Type: frameCamera, Camera: &c})
	if data == nil {
		return
	}
	h.mu.Lock()
	h.camera = data
	h.mu.Unlock()
	h.bus.Publish(data)
}

func (h *SurfaceHub) UpsertMarker(m motion.Marker) {
	data := h.encode(Frame{Type: frameMarker, Marker: &m})
	if data == nil {
		return
	}
	h.mu.Lock()
	h.markers[m.ID] = data
	h.mu.Unlock()
	h.bus.Publish(data)
}

func (h *SurfaceHub) SetInputEnabled(input motion.InputClass, enabled bool) {
	data := h.encode(Frame{Type: frameInput, Input: input, Enabled: &enabled})
	if data == nil {
		return
	}
	h.mu.Lock()
	h.inputs[input] = data
	h.mu.Unlock()
	h.bus.Publish(data)
}

// ServeHTTP upgrades the request and streams frames until the viewer leaves.
// The current surface state is replayed first.
func (h *SurfaceHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(hubClientBuffer)
	defer sub.Close()

	h.mu.Lock()
	h.clients++
	replay := h.replayLocked()
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.clients--
		h.mu.Unlock()
	}()

	h.log.WithField("remote", r.RemoteAddr).Debug("viewer connected")

	for _, data := range replay {
		if err := h.write(conn, data); err != nil {
			return
		}
	}

	gone := make(chan struct{})
	go readPump(conn, gone)

	for {
		select {
		case <-gone:
			return
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.write(conn, data); err != nil {
				h.log.WithError(err).Debug("viewer dropped")
				return
			}
		}
	}
}

// Close disconnects every viewer
func (h *SurfaceHub) Close() {
	h.bus.Close()
}

func (h *SurfaceHub) GetStats() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]interface{}{
		"viewers":          h.clients,
		"markers":          len(h.markers),
		"frames_dropped":   h.bus.Dropped(),
		"frames_delivered": h.bus.Delivered(),
	}
}

func (h *SurfaceHub) replayLocked() [][]byte {
	var out [][]byte
	inputs := make([]string, 0, len(h.inputs))
	for k := range h.inputs {
		inputs = append(inputs, string(k))
	}
	sort.Strings(inputs)
	for _, k := range inputs {
		out = append(out, h.inputs[motion.InputClass(k)])
	}
	if h.camera != nil {
		out = append(out, h.camera)
	}
	ids := make([]string, 0, len(h.markers))
	for id := range h.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, h.markers[id])
	}
	return out
}

func (h *SurfaceHub) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *SurfaceHub) encode(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.WithError(err).Error("encode surface frame")
		return nil
	}
	return data
}

// readPump discards viewer input and reports when the connection closes
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
