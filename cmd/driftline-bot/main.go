// driftline-bot - Headless race bot
// Joins races and drives synthetic inputs, for filling lobbies and load
// checks against a race server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"driftline/internal/core"
)

type botOptions struct {
	serverURL  string
	transport  string
	trackID    string
	namePrefix string
	count      int
	speed      float64
	raceCap    time.Duration
	skipVerify bool
}

func main() {
	var opts botOptions
	flag.StringVar(&opts.serverURL, "url", "wss://127.0.0.1:9780/race", "race server URL")
	flag.StringVar(&opts.transport, "transport", core.TransportWebSocket, "transport: websocket or webtransport")
	flag.StringVar(&opts.trackID, "track", "", "track to queue for (server picks if empty)")
	flag.StringVar(&opts.namePrefix, "name", "bot", "display name prefix")
	flag.IntVar(&opts.count, "count", 1, "number of bots to run")
	flag.Float64Var(&opts.speed, "speed", 2.0, "forward units per tick")
	flag.DurationVar(&opts.raceCap, "race-cap", 3*time.Minute, "give up on a race after this long")
	flag.BoolVar(&opts.skipVerify, "skip-verify", true, "skip TLS certificate verification")
	flag.Parse()

	if opts.count < 1 {
		fmt.Fprintln(os.Stderr, "Error: -count must be at least 1")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Interrupted, stopping bots...")
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := runBot(ctx, opts, idx); err != nil {
				log.Printf("[WARNING] bot %d: %v", idx, err)
			}
		}(i)
		// Stagger dials so the server sees a trickle, not a thundering herd.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()
	log.Println("All bots finished")
}

func runBot(ctx context.Context, opts botOptions, idx int) error {
	cfg := core.DefaultConfig()
	cfg.ServerURL = opts.serverURL
	cfg.Transport = opts.transport
	cfg.PlayerID = uuid.NewString()
	cfg.PlayerName = fmt.Sprintf("%s-%d", opts.namePrefix, idx)
	cfg.InsecureSkipVerify = opts.skipVerify
	if err := cfg.Validate(); err != nil {
		return err
	}

	dialer, err := core.NewDialer(cfg)
	if err != nil {
		return err
	}
	bus := core.NewBus()
	defer bus.Close()
	engine := core.NewEngine(cfg, bus, nil, dialer, nil)
	defer engine.Close()

	done := make(chan struct{})
	var once sync.Once
	bus.Subscribe(core.EventRaceFound, func(ev core.Event) {
		if e, ok := ev.(core.RaceFoundEvent); ok {
			log.Printf("bot %d: matched into %s on %s", idx, e.Match.MatchID, e.Match.TrackID)
		}
	}, 0)
	bus.Subscribe(core.EventRaceEnd, func(ev core.Event) {
		if e, ok := ev.(core.RaceEndEvent); ok {
			log.Printf("bot %d: race %s over, winner %s, reward %d", idx, e.MatchID, e.WinnerID, e.Reward)
		}
		once.Do(func() { close(done) })
	}, 0)
	bus.Subscribe(core.EventNetworkError, func(ev core.Event) {
		if e, ok := ev.(core.NetworkErrorEvent); ok && e.Fatal {
			log.Printf("bot %d: fatal network error: %s", idx, e.Message)
			once.Do(func() { close(done) })
		}
	}, 0)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	bus.Publish(core.NewJoinRaceEvent(opts.trackID))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(opts.raceCap)
	defer deadline.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-deadline.C:
			return fmt.Errorf("race cap %s hit", opts.raceCap)
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			engine.Tick(dt)
			// Mostly forward with a little wobble, like a thumb on a stick.
			vec := core.Vec2{
				X: opts.speed * (0.8 + 0.4*rand.Float64()),
				Y: (rand.Float64() - 0.5) * opts.speed * 0.5,
			}
			bus.Publish(core.NewPlayerInputEvent(vec))
		}
	}
}
