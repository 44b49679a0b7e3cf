package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"camlink/camera"
	"camlink/internal"
	"camlink/observability"
	"camlink/runtime"
	"camlink/runtime/workers"
	"camlink/session"
	"camlink/transport"
	"camlink/usb"
)

const cameraEventBuffer = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the bridge lifecycle, and centralizes error reporting.
// This pattern is preferred over calling os.Exit or panic directly because:
// 1. It ensures all 'defer' statements (like database cleanup) are executed before the program exits.
// 2. It improves testability by decoupling the initialization logic from the main entry point.
// 3. It provides a structured way to handle graceful shutdowns for the link and background workers.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var envConfig Config
	if _, err := env.UnmarshalFromEnviron(&envConfig); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	config, err := envConfig.toRuntime()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	//  Defer will be executed before run() returned anything to main()
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Camera side (USB + PTP)
	usbTransport, err := usb.Open(log)
	if err != nil {
		return fmt.Errorf("no camera found: %w", err)
	}

	cam := camera.NewClient(log, usbTransport, camera.Config{
		RetryLimit:  config.CameraRetryLimit,
		Timeout:     config.CameraTimeout,
		EventBuffer: cameraEventBuffer,
	})
	if err := cam.Attach(ctx); err != nil {
		_ = usbTransport.Close()
		return fmt.Errorf("camera attach failed: %w", err)
	}
	defer func() {
		log.Info("Closing camera session...")
		_ = cam.Close(context.Background())
	}()

	// 5. Client side (Bluetooth or Wi-Fi)
	listener, err := transport.NewListener(log, config)
	if err != nil {
		return fmt.Errorf("listener setup failed: %w", err)
	}
	defer func() { _ = listener.Close() }()

	// 6. Supervision & Orchestration
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(cam) // PTP event pump
	registry := runtime.NewRegistry()
	store := session.NewStore(db, log)
	stats := observability.NewStats()
	orchestrator := runtime.NewOrchestrator(log, config, sup, listener, cam, store, registry, stats)

	// 7. Debug dashboard (optional)
	if envConfig.DebugPort > 0 {
		internal.StartDebugServer(db, envConfig.DebugPort, "/inspect", internal.SessionMapper, stats.Snapshot)
		log.Info("Debug dashboard listening", "port", envConfig.DebugPort)
	}

	descriptor := cam.Descriptor()
	log.Info("Bridge starting",
		"connection", config.ConnectionType,
		"device_name", config.DeviceName,
		"camera", fmt.Sprintf("%s %s", descriptor.Manufacturer, descriptor.Model))

	// Blocks until the context is canceled by a signal.
	return orchestrator.Start(ctx)
}
