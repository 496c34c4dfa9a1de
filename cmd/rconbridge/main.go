// rconbridge - remote console bridge for game servers.
//
// rconbridge keeps one authenticated RCON session to a game server alive,
// correlates commands with their replies across binary TCP, Telnet,
// WebSocket and BattlEye transports, journals the traffic and exposes it
// through a REST API, MQTT telemetry and an interactive console.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/api"
	"github.com/energizer-project/rconbridge/internal/cli"
	"github.com/energizer-project/rconbridge/internal/config"
	"github.com/energizer-project/rconbridge/internal/db"
	"github.com/energizer-project/rconbridge/internal/engine"
	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/scheduler"
	"github.com/energizer-project/rconbridge/internal/telemetry"
	"github.com/energizer-project/rconbridge/internal/util"
)

const Banner = `
  _ __ ___ ___  _ __  | |__  _ __(_) __| | __ _  ___
 | '__/ __/ _ \| '_ \ | '_ \| '__| |/ _' |/ _' |/ _ \
 | | | (_| (_) | | | || |_) | |  | | (_| | (_| |  __/
 |_|  \___\___/|_| |_||_.__/|_|  |_|\__,_|\__, |\___|
                                          |___/  %s
 Remote console bridge for game servers
`

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first, reconfigured after the config is loaded
	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting rconbridge")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}
	if closer, err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logCloser.Close()
		logCloser = closer
	}
	defer logCloser.Close()

	if !validateConfig(cfg) {
		return 1
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()

	rconCfg := cfg.GetRCON()
	eng, err := engine.New(rconCfg, eventBus, util.ComponentLogger("rcon"))
	if err != nil {
		log.Error().Err(err).Msg("failed to create engine")
		return 1
	}
	desc := eng.Descriptor()
	log.Info().
		Str("game", desc.Name).
		Str("transport", string(desc.Transport)).
		Str("session", eng.Session()).
		Msg("engine ready")

	var journal *db.Journal
	if cfg.Journal.Enabled {
		journal, err = db.OpenJournal(cfg.Journal.Path, eng.Session())
		if err != nil {
			log.Warn().Err(err).Msg("failed to open journal, history disabled")
		} else {
			journal.Subscribe(eventBus)
			defer journal.Close()
		}
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, event events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	log.Info().Str("host", rconCfg.Host).Int("port", rconCfg.Port).Bool("retry", rconCfg.ConnectRetry).Msg("connecting to game server")
	if err := eng.Connect(ctx); err != nil {
		if errors.Is(err, network.ErrAuthRejected) {
			log.Error().Err(err).Msg("the server rejected the RCON password")
		} else {
			log.Error().Err(err).Msg("failed to connect to game server")
		}
		eng.Close()
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New()
	eng.Schedule(sched)
	if journal != nil {
		retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
		sched.Daily("journal-prune", cfg.Journal.CleanupTime, func(ctx context.Context) error {
			_, err := journal.Prune(ctx, retention)
			return err
		})
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Strs("tasks", sched.Tasks()).Msg("starting task scheduler")
		sched.Start(runCtx)
	}()

	if cfg.API.Enabled {
		var history api.History
		if journal != nil {
			history = journal
		}
		apiServer := api.NewServer(cfg.API, cfg.Logging.Level, eng, history)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(runCtx, "API server", apiServer.Start, 15); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, eventBus, desc.Tag, eng.Session(), func() interface{} {
			return eng.Status()
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("starting MQTT telemetry")
				if err := mqttHandler.Start(runCtx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	var history cli.History
	if journal != nil {
		history = journal
	}
	console := cli.NewCLI(eng, history, eventBus, os.Stdin, os.Stdout)
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.Start(runCtx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case <-eng.Done():
		log.Error().Err(eng.Err()).Msg("connection is unrecoverable, shutting down")
		exitCode = 1
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	eng.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}

	if !eventBus.Drain(5 * time.Second) {
		log.Warn().Msg("event handlers still running at exit")
	}
	eventBus.Stop()

	log.Info().Msg("rconbridge stopped")
	return exitCode
}

// validateConfig logs validation findings and runs the setup wizard on a
// first run. It reports whether startup can continue.
func validateConfig(cfg *config.Config) bool {
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if validation.IsValid() && !cfg.IsFirstRun() {
		return true
	}

	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	if !cfg.IsFirstRun() {
		log.Error().Msg("configuration validation failed, please fix the errors above")
		return false
	}

	log.Info().Msg("first run detected, launching setup wizard")
	if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("setup wizard failed")
		return false
	}

	validation = config.Validate(cfg)
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return false
	}
	return true
}

// startWithRetry retries startFn, which is expected to block while running,
// when it fails to bind.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
