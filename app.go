package z2mautomations

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	homekitqr "github.com/kradalby/homekit-qr"
	"github.com/kradalby/kra/web"
	"github.com/kradalby/z2m-automations/automation"
	appconfig "github.com/kradalby/z2m-automations/config"
	"github.com/kradalby/z2m-automations/devices"
	"github.com/kradalby/z2m-automations/events"
	"github.com/kradalby/z2m-automations/history"
	"github.com/kradalby/z2m-automations/logging"
	"github.com/kradalby/z2m-automations/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/util/eventbus"
)

var version = "dev"

// Main is the entry point used by cmd/z2m-automations.
func Main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *appconfig.Config) error {
	logger.Info("Starting zigbee2mqtt automations", "version", version)
	logger.Info("Configuration loaded",
		"base_topic", cfg.BaseTopic,
		"automations", cfg.AutomationsPath,
		"mqtt_mode", cfg.MQTT.Mode,
		"hap_addr", cfg.HAPAddrPort().String(),
		"web_addr", cfg.WebAddrPort().String(),
	)

	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer bus.Close()

	collector, err := metrics.NewCollector(ctx, logger, bus, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}
	defer collector.Close()

	store, err := devices.NewStore(ctx, logger, bus, cfg.BaseTopic)
	if err != nil {
		return fmt.Errorf("failed to create device store: %w", err)
	}
	defer store.Close()

	var tr transport
	if cfg.External() {
		tr, err = connectExternalBroker(ctx, logger, bus, cfg)
	} else {
		tr, err = newEmbeddedBroker(logger, bus, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to start MQTT: %w", err)
	}
	defer tr.Close()

	if wait := cfg.DevicesWait(); wait > 0 {
		waitCtx, waitCancel := context.WithTimeout(ctx, wait)
		if err := store.WaitForInventory(waitCtx); err != nil {
			logger.Warn("No device inventory yet, entity ids will not be checked", "error", err)
		}
		waitCancel()
	}

	automations, err := automation.LoadFile(cfg.AutomationsPath)
	if err != nil {
		return err
	}

	source, err := newBusSource(logger, bus)
	if err != nil {
		return err
	}
	observer, err := newBusObserver(bus)
	if err != nil {
		return err
	}

	engine, err := automation.NewEngine(automation.Options{
		Logger:    logger,
		BaseTopic: cfg.BaseTopic,
		Resolver:  storeResolver{store: store},
		State:     storeState{store: store},
		Deliverer: tr,
		Source:    source,
		Observer:  observer,
	})
	if err != nil {
		return fmt.Errorf("failed to create automation engine: %w", err)
	}

	count, err := engine.Load(automations)
	if err != nil {
		logger.Warn("Some automations were skipped", "error", err)
	}
	logger.Info("Loaded automations", "count", count)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start automation engine: %w", err)
	}
	defer engine.Stop()

	mainClient, err := bus.Client(events.ClientMain)
	if err != nil {
		return err
	}
	runs := eventbus.Subscribe[events.RunRequestEvent](mainClient)
	defer runs.Close()
	go processRunRequests(ctx, logger, runs, engine)

	if cfg.Influx.URL != "" {
		recorder, err := history.Connect(ctx, logger, bus, history.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			logger.Warn("Dispatch history disabled", "error", err)
		} else {
			defer recorder.Close()
		}
	}

	var names []string
	for _, s := range engine.Automations() {
		names = append(names, s.Name)
	}

	hapManager, err := NewHAPManager(logger, bus, names)
	if err != nil {
		return err
	}
	if err := hapManager.Serve(ctx, cfg.HAP.StoragePath, cfg.HAP.PIN, cfg.HAPAddrPort().String()); err != nil {
		return err
	}

	fmt.Printf("HomeKit bridge ready - pair with PIN: %s\n\n", cfg.HAP.PIN)

	qr, err := homekitqr.GenerateQRTerminal(homekitqr.QRCodeConfig{
		SetupURIConfig: homekitqr.SetupURIConfig{
			PairingCode: cfg.HAP.PIN,
			SetupID:     "4412",
			Category:    homekitqr.CategoryBridge,
		},
	})
	if err != nil {
		logger.Warn("Failed to generate QR code", "error", err)
	} else {
		fmt.Println(qr)
	}

	kraWeb, err := web.NewServer(web.ServerConfig{
		Hostname:        cfg.Tailscale.Hostname,
		LocalAddr:       cfg.WebAddrPort().String(),
		AuthKey:         cfg.Tailscale.AuthKey,
		EnableTailscale: cfg.TailscaleEnabled(),
	},
		web.WithStdLogger(log.New(os.Stdout, "kraweb: ", log.LstdFlags)),
		web.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to configure web server: %w", err)
	}

	kraWeb.Handle("/metrics", promhttp.Handler())
	kraWeb.Handle("/debug/hap", NewDebugHandler(hapManager))

	webServer, err := NewWebServer(logger, engine, bus, kraWeb, cfg.HAP.PIN, qr)
	if err != nil {
		return err
	}
	webServer.LogEvent(fmt.Sprintf("Loaded %d automations", count))
	webServer.Start(ctx)
	defer webServer.Close()

	webURL := "http://" + cfg.WebAddrPort().String()
	if cfg.TailscaleEnabled() {
		webURL = fmt.Sprintf("https://%s (and %s)", cfg.Tailscale.Hostname, webURL)
	}
	logger.Info("Web UI available", "url", webURL)

	<-ctx.Done()
	logger.Info("Shutting down")

	return nil
}
