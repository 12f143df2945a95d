package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/course-tracker/internal/gps"
	"github.com/shaunagostinho/course-tracker/internal/logger"
	"github.com/shaunagostinho/course-tracker/internal/permission"
	"github.com/shaunagostinho/course-tracker/internal/server"
	"github.com/shaunagostinho/course-tracker/internal/telemetry"
	"github.com/shaunagostinho/course-tracker/internal/tracking"
	"github.com/shaunagostinho/course-tracker/web"
)

func main() {
	configPath := flag.String("config", "/etc/coursetracker/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated GPS receiver and pre-granted location access")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	collector := flag.String("collector", "", "Override collector URL")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] coursetracker starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.GPS.Type = "demo"
		cfg.Permission.Granted = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *collector != "" {
		cfg.Collector.URL = *collector
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
	default:
		gpsProv = gps.NewDemoProvider()
	}

	// Non-blocking: the operator page is served while the receiver connects.
	go connectWithRetry(ctx, "GPS", gpsProv, 10)
	defer gpsProv.Close()

	source := gps.NewSource(gpsProv, time.Duration(cfg.GPS.SampleMs)*time.Millisecond)

	srv := server.New(cfg, web.FS)
	gate := permission.NewGate(srv, cfg.Permission.Granted)

	journal := logger.New(logger.Config{
		Enabled: cfg.Journal.Enabled,
		Path:    cfg.Journal.Path,
	})
	defer journal.Close()

	reporter := telemetry.New(telemetry.Config{
		URL:            cfg.Collector.URL,
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		QueueLimit:     cfg.Collector.QueueLimit,
	}, srv, telemetry.WithJournal(journal))

	ctrl := tracking.New(tracking.Config{
		Interval:     cfg.Interval(),
		HighAccuracy: cfg.GPS.HighAccuracy,
	}, gate, source, reporter, srv)

	gate.OnResult(ctrl.PermissionResult)
	source.OnFixes(ctrl.Fixes)
	srv.Attach(ctrl, gate, reporter)

	log.Printf("[main] reporting to %s", cfg.Collector.URL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reporter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	wg.Wait()
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, p gps.Provider, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := p.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, maxDelay)
	}
}
