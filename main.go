package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/internal/config"
	"github.com/Quit4859/trackmybus/logging"
	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/motion"
	"github.com/Quit4859/trackmybus/pkg/network"
	"github.com/Quit4859/trackmybus/pkg/reconcile"
	"github.com/Quit4859/trackmybus/pkg/sensor"
	"github.com/Quit4859/trackmybus/pkg/state"
	"github.com/Quit4859/trackmybus/pkg/storage"
	"github.com/Quit4859/trackmybus/pkg/transport"
)

func main() {
	// Command line flags override the config file and environment
	var (
		role       = flag.String("role", "", "Device role: admin, driver or rider")
		userID     = flag.String("user", "", "Driver or rider id of this device")
		routeID    = flag.String("route", "", "Route to follow instead of the role default")
		configPath = flag.String("config", "", "Config file (default $TRACKMYBUS_CONFIG_PATH or configs/config.yaml)")
		dataPath   = flag.String("data", "", "bbolt file for the local mirror (empty keeps state in memory)")
		simulate   = flag.Bool("simulate", false, "Drive a driver device along its route path")
		showUsage  = flag.Bool("help", false, "Show usage help")
	)
	flag.Parse()

	if *showUsage {
		printUsage()
		return
	}

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("Error loading config: %v", err)
	}
	if *role != "" {
		cfg.Device.Role = *role
	}
	if *userID != "" {
		cfg.Device.UserID = *userID
	}
	if *routeID != "" {
		cfg.Device.RouteID = *routeID
	}
	if *dataPath != "" {
		cfg.Device.DataPath = *dataPath
	}
	if *simulate {
		cfg.Sensor.Simulate = true
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Error in flags: %v", err)
	}

	deviceRole, err := cfg.Device.ParsedRole()
	if err != nil {
		logrus.Fatalf("Error in role: %v", err)
	}
	deviceID := cfg.Device.UserID
	if deviceID == "" {
		deviceID = string(deviceRole)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	base := logger.WithFields(logrus.Fields{"device_id": deviceID, "role": deviceRole})
	eventLog := logging.NewEventLogger(deviceID, logger)

	// Local mirror
	var backend storage.Backend
	if cfg.Device.DataPath != "" {
		bolt, err := storage.OpenBolt(cfg.Device.DataPath)
		if err != nil {
			base.Fatalf("Error opening store %s: %v", cfg.Device.DataPath, err)
		}
		backend = bolt
	} else {
		backend = storage.NewMemoryBackend()
	}
	mirror := storage.NewMirror(backend, base)
	initial, err := mirror.Load(model.Seed())
	if err != nil {
		base.WithError(err).Warn("Local mirror partially unreadable, seed data used for the affected collections")
	}

	realClock := clockwork.NewRealClock()
	store := state.NewStore(state.Options{
		Role:          deviceRole,
		UserID:        cfg.Device.UserID,
		ActiveRouteID: cfg.Device.RouteID,
		Initial:       initial,
		Mirror:        mirror,
		Clock:         realClock,
		Log:           base,
	})

	// Broker session and reconciliation
	session := transport.NewSession(cfg.Broker.Transport(), nil, base)
	engine := reconcile.NewEngine(store, session, reconcile.Options{
		Topics:      cfg.Broker.Topics(),
		PositionQoS: byte(cfg.Broker.PositionQoS),
		DedupSize:   cfg.Broker.DedupSize,
		Events:      eventLog,
		Log:         base,
	})
	if err := session.Subscribe(engine.Subscriptions()...); err != nil {
		base.Fatalf("Error registering subscriptions: %v", err)
	}
	messages := session.Messages()
	statuses := session.Connect(string(deviceRole))
	engine.Start(messages.C(), statuses.C())

	ctx, cancel := context.WithCancel(context.Background())

	// Position ingestion
	ingestor := sensor.NewIngestor(cfg.Sensor.Ingest(), base)
	go engine.RunFixes(ctx, ingestor.Fixes(64).C())

	var simulator *sensor.Simulator
	if deviceRole == model.RoleDriver && cfg.Sensor.Simulate {
		route, ok := store.ActiveRoute()
		if ok && len(route.Path) > 0 {
			simulator, err = sensor.NewSimulator(route.Path, cfg.Sensor.SimulateInterval, cfg.Sensor.SimulateStep, realClock,
				func(raw sensor.RawFix) { ingestor.OnRawFix(raw) }, base)
			if err != nil {
				base.WithError(err).Warn("Route simulator disabled")
			}
		} else {
			base.Warn("Route simulator disabled: active route has no path")
		}
	}

	// Motion and map surface
	hub := network.NewSurfaceHub(base)
	controller := motion.NewController(cfg.Motion.Controller(), hub, realClock, base)
	go motion.Follow(ctx, store, store.Watch(64).C(), controller)
	go followSelf(ctx, ingestor.Fixes(16).C(), controller)

	server := network.NewServer(deviceID, cfg.Server.Addr(), network.Deps{
		Store:      store,
		Engine:     engine,
		Session:    session,
		Ingestor:   ingestor,
		Simulator:  simulator,
		Controller: controller,
		Hub:        hub,
	}, base)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Startup info
	base.WithFields(logrus.Fields{
		"broker":       cfg.Broker.URL,
		"topics":       cfg.Broker.TopicBase,
		"active_route": store.ActiveRouteID(),
		"http":         cfg.Server.Addr(),
		"storage":      storageLabel(cfg.Device.DataPath),
		"simulate":     simulator != nil,
	}).Info("Starting trackmybus device")

	controller.Start()
	if simulator != nil {
		simulator.Start()
	}

	go func() {
		if err := server.Start(); err != nil {
			base.Fatalf("Error starting HTTP server: %v", err)
		}
	}()

	<-sigCh
	base.Info("Shutdown signal received, stopping...")

	cancel()
	if simulator != nil {
		simulator.Stop()
	}
	controller.Stop()
	engine.Stop()
	ingestor.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		base.WithError(err).Warn("Error stopping HTTP server")
	}
	hub.Close()
	session.Close()
	store.Close()
	if err := mirror.Close(); err != nil {
		base.WithError(err).Warn("Error closing local mirror")
	}
	base.Info("Stopped")
}

// followSelf keeps the LOCKED_SELF target on this device's own fixes
func followSelf(ctx context.Context, fixes <-chan model.Fix, c *motion.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			c.SetSelfPosition(model.LatLng{Lat: fix.Lat, Lng: fix.Lng})
		}
	}
}

func storageLabel(path string) string {
	if path == "" {
		return "memory"
	}
	return path
}

// printUsage shows available options and endpoints
func printUsage() {
	fmt.Fprintf(os.Stderr, `
=== trackmybus device ===

USAGE:
  %s [options]

EXAMPLES:
  %s -role=admin
  %s -role=driver -user=D-1 -simulate
  %s -role=rider -user=S-1 -data=/var/lib/trackmybus/rider.db

OPTIONS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])

	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, `
ENVIRONMENT:
  TRACKMYBUS_CONFIG_PATH, TRACKMYBUS_<SECTION>_<KEY> (e.g. TRACKMYBUS_BROKER_URL)

ENDPOINTS (HTTP):
  GET  /health                      - Liveness and broker connection state
  GET  /state                       - Role, active route and current snapshot
  GET  /routes/{id}                 - One route with its role-visible position
  GET  /stats                       - Component statistics
  GET  /metrics                     - Sync counters
  GET  /gtfs-rt/vehicle-positions   - GTFS-Realtime feed (?format=json for JSON)
  GET  /ws                          - Map surface stream (websocket)
  POST /position                    - Driver location sample {lat, lng, heading?, accuracy?}
  POST /live                        - Driver live toggle {live: bool}
  PUT  /config                      - Admin collection edit {routes?, vehicles?, drivers?, riders?}
  POST /config/reset                - Admin reset to the seed dataset
  POST /camera                      - Camera mode {mode?, headingUp?}
`)
}
