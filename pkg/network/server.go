package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/Quit4859/trackmybus/pkg/feed"
	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/motion"
	"github.com/Quit4859/trackmybus/pkg/reconcile"
	"github.com/Quit4859/trackmybus/pkg/sensor"
	"github.com/Quit4859/trackmybus/pkg/state"
	"github.com/Quit4859/trackmybus/pkg/transport"
)

const maxBodyBytes = 1 << 20

// StatusSource reports the broker session state
type StatusSource interface {
	Status() transport.Status
	GetStats() map[string]interface{}
}

// Deps are the components exposed over HTTP. Everything but Store and Engine
// is optional; routes needing a missing component answer 501.
type Deps struct {
	Store      *state.Store
	Engine     *reconcile.Engine
	Session    StatusSource
	Ingestor   *sensor.Ingestor
	Simulator  *sensor.Simulator
	Controller *motion.Controller
	Hub        *SurfaceHub
	Now        func() time.Time
}

// Server is the device's local HTTP surface: state inspection, driver and
// admin controls, the GTFS-realtime feed and the websocket map stream.
type Server struct {
	addr     string
	deviceID string
	deps     Deps
	router   chi.Router
	server   *http.Server
	log      *logrus.Entry
}

func NewServer(deviceID, addr string, deps Deps, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		addr:     addr,
		deviceID: deviceID,
		deps:     deps,
		router:   chi.NewRouter(),
		log:      log.WithField("component", "http"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(s.deviceHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/routes/{id}", s.handleRoute)
	r.Get("/stats", s.handleStats)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/gtfs-rt/vehicle-positions", s.handleVehiclePositions)
	r.Get("/ws", s.handleSurface)

	r.Post("/position", s.handlePosition)
	r.Post("/live", s.handleLive)
	r.Put("/config", s.handleConfig)
	r.Post("/config/reset", s.handleConfigReset)
	r.Post("/camera", s.handleCamera)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.log.WithField("addr", s.addr).Info("HTTP server started")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	s.log.WithField("addr", s.addr).Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) deviceHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Device-ID", s.deviceID)
		w.Header().Set("X-Device-Role", string(s.deps.Store.Role()))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connection := transport.StatusDisconnected.String()
	if s.deps.Session != nil {
		connection = s.deps.Session.Status().String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":  s.deviceID,
		"status":     "healthy",
		"role":       s.deps.Store.Role(),
		"connection": connection,
	})
}

type stateResponse struct {
	Role          model.Role           `json:"role"`
	ActiveRouteID string               `json:"activeRouteId"`
	Snapshot      model.ConfigSnapshot `json:"snapshot"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Role:          s.deps.Store.Role(),
		ActiveRouteID: s.deps.Store.ActiveRouteID(),
		Snapshot:      s.deps.Store.Snapshot(),
	})
}

type routeResponse struct {
	Route    model.Route  `json:"route"`
	Position model.LatLng `json:"position"`
	Located  bool         `json:"located"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	route, ok := s.deps.Store.Route(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", state.ErrUnknownRoute, id))
		return
	}
	pos, located := route.PositionFor(s.deps.Store.Role())
	writeJSON(w, http.StatusOK, routeResponse{Route: route, Position: pos, Located: located})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"device_id": s.deviceID,
		"state":     s.deps.Store.GetStats(),
		"reconcile": s.deps.Engine.GetStats(),
	}
	if s.deps.Session != nil {
		stats["transport"] = s.deps.Session.GetStats()
	}
	if s.deps.Ingestor != nil {
		stats["sensor"] = s.deps.Ingestor.GetStats()
	}
	if s.deps.Simulator != nil {
		stats["simulator"] = s.deps.Simulator.GetStats()
	}
	if s.deps.Controller != nil {
		stats["motion"] = s.deps.Controller.GetStats()
	}
	if s.deps.Hub != nil {
		stats["surface"] = s.deps.Hub.GetStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Engine.Sink().DisplayMetrics(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleVehiclePositions(w http.ResponseWriter, r *http.Request) {
	msg := feed.BuildVehiclePositions(s.deps.Store.Routes(), s.deps.Store.Role(), s.deps.Now())

	if r.URL.Query().Get("format") == "json" {
		data, err := protojson.Marshal(msg)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(data)
}

func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		sendNotImplemented(w, "Map surface")
		return
	}
	s.deps.Hub.ServeHTTP(w, r)
}

type positionRequest struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Heading  *float64 `json:"heading,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// handlePosition feeds a raw location sample into the ingestion filter.
// Accepted fixes reach the store through the ingestor's fix stream.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		sendNotImplemented(w, "Position ingestion")
		return
	}
	if s.deps.Store.Role() != model.RoleDriver {
		writeError(w, fmt.Errorf("%w: only drivers report positions", state.ErrNotPermitted))
		return
	}
	var req positionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fix, ok := s.deps.Ingestor.OnRawFix(sensor.RawFix{
		Lat:      req.Lat,
		Lng:      req.Lng,
		Heading:  req.Heading,
		Accuracy: req.Accuracy,
	})
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"accepted": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true, "fix": fix})
}

type liveRequest struct {
	Live bool `json:"live"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := s.deps.Engine.SetLive(req.Live)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type configRequest struct {
	Routes   []model.Route   `json:"routes"`
	Vehicles []model.Vehicle `json:"vehicles"`
	Drivers  []model.Driver  `json:"drivers"`
	Riders   []model.Rider   `json:"riders"`
}

// handleConfig replaces every collection the request names; omitted
// collections keep their current contents.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.deps.Engine.EditConfig(func(c *model.Collections) error {
		if req.Routes != nil {
			c.Routes = req.Routes
		}
		if req.Vehicles != nil {
			c.Vehicles = req.Vehicles
		}
		if req.Drivers != nil {
			c.Drivers = req.Drivers
		}
		if req.Riders != nil {
			c.Riders = req.Riders
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.ResetConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type cameraRequest struct {
	Mode      string `json:"mode,omitempty"`
	HeadingUp *bool  `json:"headingUp,omitempty"`
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		sendNotImplemented(w, "Camera control")
		return
	}
	var req cameraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Mode != "" {
		mode, err := motion.ParseMode(req.Mode)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.deps.Controller.SetMode(mode)
	}
	if req.HeadingUp != nil {
		s.deps.Controller.SetHeadingUp(*req.HeadingUp)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":      s.deps.Controller.Mode(),
		"headingUp": s.deps.Controller.HeadingUp(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps store and decode sentinels to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, state.ErrUnknownRoute):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidMessage):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func sendNotImplemented(w http.ResponseWriter, handlerName string) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{
		"error": handlerName + " not configured",
	})
}
