package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tagherd/tagherd/internal/config"
	"github.com/tagherd/tagherd/internal/fleet"
	"github.com/tagherd/tagherd/internal/relay"
	"github.com/tagherd/tagherd/internal/scheduler"
	"github.com/tagherd/tagherd/internal/status"
	"github.com/tagherd/tagherd/internal/storage"
)

// defaultRelayPort is the port the relay command receiver listens on
// when the observer list gives a bare IP.
const defaultRelayPort = 5000

// discoverTimeout bounds the optional mDNS browse at startup.
const discoverTimeout = 5 * time.Second

// runRun starts the coordinator daemon and blocks until it has drained.
func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (default ./tagherd.toml)")
	fresh := fs.Bool("fresh", false, "erase the existing database and sample files before starting")
	timer := fs.Int("timer", 0, "bound total run time in minutes (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "tagherd: %v\n", err)
		return 1
	}
	if *timer > 0 {
		cfg.General.TimerMinutes = *timer
	}

	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "tagherd: cannot open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		log.SetOutput(f)
	}

	dbPath := filepath.Join(cfg.General.DataDir, "tagherd.db")
	sampleDir := filepath.Join(cfg.General.DataDir, "samples")
	if *fresh {
		log.Printf("main: --fresh set, erasing %s and %s", dbPath, sampleDir)
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(stderr, "tagherd: cannot erase database: %v\n", err)
			return 1
		}
		if err := os.RemoveAll(sampleDir); err != nil {
			fmt.Fprintf(stderr, "tagherd: cannot erase sample dir: %v\n", err)
			return 1
		}
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "tagherd: cannot create data dir: %v\n", err)
		return 1
	}

	store, err := storage.Open(dbPath, storage.Options{
		SampleDir:      sampleDir,
		RecentWindow:   time.Duration(cfg.RSSI.RecentWindowMinutes) * time.Minute,
		MinObsCount:    cfg.RSSI.MinObsCount,
		RatioThreshold: cfg.RSSI.RatioThreshold,
	})
	if err != nil {
		fmt.Fprintf(stderr, "tagherd: %v\n", err)
		return 1
	}
	defer store.Close()

	roster := &fleet.Roster{
		ObserverList:      cfg.Fleet.ObserverList,
		TagList:           cfg.Fleet.TagList,
		TagStopList:       cfg.Fleet.TagStopList,
		ObserverBlacklist: cfg.Fleet.ObserverBlacklist,
	}
	observers, err := roster.Observers()
	if err != nil {
		fmt.Fprintf(stderr, "tagherd: %v\n", err)
		return 1
	}
	if cfg.Fleet.Discover {
		dctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		discovered, err := fleet.Discover(dctx)
		cancel()
		if err != nil {
			log.Printf("main: mdns discovery failed, using static list only: %v", err)
		} else {
			log.Printf("main: discovered %d relays via mdns", len(discovered))
			observers = fleet.Merge(observers, discovered)
		}
	}
	if len(observers) == 0 {
		fmt.Fprintln(stderr, "tagherd: no observers configured or discovered")
		return 1
	}

	relayOpts := relay.Options{
		CommandTimeout:    time.Duration(cfg.Data.CommandTimeoutSeconds) * time.Second,
		CollectTimeout:    time.Duration(cfg.Data.CollectTimeoutSeconds) * time.Second,
		RetryMax:          uint64(cfg.Data.RetryMax),
		CommandsPerSecond: cfg.Data.CommandsPerSecond,
	}
	clients := make(map[string]scheduler.RelayClient, len(observers))
	for name, addr := range observers {
		clients[name] = relay.NewClient(name, baseURL(addr), relayOpts)
	}
	log.Printf("main: %d relay clients configured", len(clients))

	var statusSrv *status.Server
	if cfg.Status.Addr != "" {
		statusSrv = status.NewServer(cfg.Status.Addr)
		if err := statusSrv.Start(); err != nil {
			fmt.Fprintf(stderr, "tagherd: %v\n", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = statusSrv.Stop(sctx)
		}()
	}

	coord := scheduler.New(store, roster, clients, scheduler.Options{
		TickInterval:    time.Duration(cfg.General.TickSeconds) * time.Second,
		RefreshInterval: time.Duration(cfg.RSSI.FetchIntervalMinutes) * time.Minute,
		PosInterval:     time.Duration(cfg.Data.PosIntervalMinutes) * time.Minute,
		SampleRange:     cfg.Data.SampleRange,
		SampleRate:      cfg.Data.SampleRate,
		MaxSamples:      int64(cfg.Data.MaxSamplesPerPoll),
		MinSamples:      int64(cfg.Data.MinSamplesPerPoll),
		RunTimer:        time.Duration(cfg.General.TimerMinutes) * time.Minute,
	})
	if statusSrv != nil {
		coord.SetNotify(statusSrv.Publish)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("main: received %v, draining", sig)
		cancel()
	}()

	if err := coord.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "tagherd: %v\n", err)
		return 1
	}
	return 0
}

// baseURL turns an observer list address into a relay base URL. Bare
// IPs get the default scheme and port.
func baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if strings.Contains(addr, ":") {
		return "http://" + addr
	}
	return fmt.Sprintf("http://%s:%d", addr, defaultRelayPort)
}
