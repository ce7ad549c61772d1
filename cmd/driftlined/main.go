// driftlined - Driftline session daemon
// Runs the race session core and exposes the local control API for the UI.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"driftline/internal/api"
	"driftline/internal/core"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL PANIC RECOVERED: %v", r)
			time.Sleep(2 * time.Second)
			os.Exit(2)
		}
	}()

	var (
		apiAddr   = flag.String("api", "", "control API listen address (overrides config)")
		serverURL = flag.String("server", "", "race server URL (overrides config)")
		transport = flag.String("transport", "", "transport: websocket or webtransport")
		playerID  = flag.String("player", "", "player ID (overrides config)")
		name      = flag.String("name", "", "display name (overrides config)")
	)
	flag.Parse()

	cm, err := core.NewConfigManager()
	if err != nil {
		log.Printf("[WARNING] config manager unavailable: %v", err)
	}

	var debugLog *os.File
	if cm != nil {
		logPath := filepath.Join(filepath.Dir(cm.GetConfigPath()), "driftlined-debug.log")
		debugLog, _ = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	}
	if debugLog != nil {
		log.SetOutput(io.MultiWriter(os.Stdout, debugLog))
		defer debugLog.Close()
	}

	log.Println("Starting Driftline daemon...")

	cfg := core.DefaultConfig()
	if cm != nil {
		if loaded, err := cm.Load(); err == nil {
			log.Printf("[INFO] loaded configuration from %s", cm.GetConfigPath())
			cfg = loaded
		} else {
			log.Printf("[WARNING] failed to load configuration from %s: %v", cm.GetConfigPath(), err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Printf("[WARNING] environment overrides: %v", err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *playerID != "" {
		cfg.PlayerID = *playerID
	}
	if *name != "" {
		cfg.PlayerName = *name
	}
	if *apiAddr != "" {
		cfg.BridgeAddr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[WARNING] configuration invalid: %v", err)
		log.Printf("[WARNING] fix it via the control API and rejoin, or restart with valid flags")
	}

	bus := core.NewBus()
	machine, err := core.NewDefaultMachine(bus, cfg.HistorySize)
	if err != nil {
		log.Fatalf("state machine: %v", err)
	}
	dialer, err := core.NewDialer(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	engine := core.NewEngine(cfg, bus, machine, dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unglue := wireSession(ctx, bus, machine)
	defer unglue()

	server := api.NewServer(bus, engine, machine, cfg, cm, cfg.BridgeAddr)
	if err := server.Start(); err != nil {
		log.Fatalf("control API: %v", err)
	}
	log.Printf("[INFO] control API listening on %s", server.Addr())

	collector := core.NewMetricsCollector(engine.Metrics(), 5*time.Second, bus.PublishDeferred)
	collector.Start()

	machine.RequestTransition(ctx, core.LabelStartGame)
	if err := engine.Start(ctx); err != nil {
		log.Printf("[WARNING] initial connect failed: %v", err)
		log.Printf("[WARNING] the control API is up; reconfigure and restart to retry")
		machine.RequestTransition(ctx, core.LabelLoadFailed)
	} else {
		machine.RequestTransition(ctx, core.LabelLoadingComplete)
	}

	go runTicker(ctx, machine, engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	collector.Stop()
	if err := server.Stop(); err != nil {
		log.Printf("[WARNING] stopping control API: %v", err)
	}
	engine.Close()
	cancel()
	bus.Close()
	log.Println("Goodbye")
}

// runTicker drives simulation time for the machine's OnUpdate hooks and the
// engine's interpolation and keep-alive clocks.
func runTicker(ctx context.Context, machine *core.Machine, engine *core.Engine) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			machine.Tick(ctx, dt)
			engine.Tick(dt)
		}
	}
}

// wireSession maps race lifecycle events onto session machine transitions.
// The engine publishes facts; this is the only place they drive the machine.
func wireSession(ctx context.Context, bus *core.Bus, machine *core.Machine) func() {
	var unsubs []func()
	sub := func(name, label string) {
		unsubs = append(unsubs, bus.Subscribe(name, func(core.Event) {
			machine.RequestTransition(ctx, label)
		}, 0))
	}
	sub(core.EventRaceFound, core.LabelRaceFound)
	sub(core.EventRaceStart, core.LabelRaceStart)
	sub(core.EventRaceEnd, core.LabelRaceComplete)
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
