// frostcon is an interactive remote administration client for game servers
// speaking the Frostbite RCON protocol.
//
// It connects to a server, logs in, echoes every packet sent and received,
// acknowledges server events, and optionally records traffic to SQLite,
// mirrors it to MQTT and exposes a local REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/api"
	"github.com/energizer-project/frostbite/internal/cli"
	"github.com/energizer-project/frostbite/internal/config"
	"github.com/energizer-project/frostbite/internal/db"
	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/network"
	"github.com/energizer-project/frostbite/internal/scheduler"
	"github.com/energizer-project/frostbite/internal/telemetry"
	"github.com/energizer-project/frostbite/internal/util"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	host := flag.String("host", "", "server host name or address")
	port := flag.Uint("port", 0, "server RCON port")
	password := flag.String("password", "", "plain text RCON password")
	flag.Parse()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting frostcon")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    appData.Logging.Console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Flags override the file for this run only.
	conn := cfg.GetConnection()
	if *host != "" {
		conn.Host = *host
	}
	if *port != 0 {
		if *port > 65535 {
			log.Fatal().Uint("port", *port).Msg("port out of range")
		}
		conn.Port = uint16(*port)
	}
	if *password != "" {
		conn.Password = *password
	}
	cfg.SetConnection(conn)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	rcon := network.NewConnection(eventBus, network.Options{
		ReadBufferSize: conn.ReadBufferSize,
		DialTimeout:    cfg.DialTimeout(),
	})

	var (
		transcript *db.Transcript
		history    cli.History
		packets    api.TranscriptReader
	)
	if appData.Transcript.Enabled {
		transcript, err = db.NewTranscript(appData.Transcript.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open transcript, recording disabled")
		} else {
			transcript.Subscribe(eventBus)
			history = transcript
			packets = transcript
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shell := cli.NewShell(cfg, eventBus, rcon, history, os.Stdin, os.Stdout)
	shell.Subscribe()

	var wg sync.WaitGroup

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if appData.API.Enabled {
		apiServer := api.NewServer(appData.API, appData.Logging.Level == "debug", rcon, packets)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if transcript != nil {
		sched := scheduler.NewScheduler(appData.Transcript, transcript)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	shellDone := make(chan error, 1)
	go func() {
		shellDone <- shell.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-shellDone
	case err := <-shellDone:
		if err != nil {
			log.Error().Err(err).Msg("session ended with error")
			exitCode = 1
		}
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()

	if transcript != nil {
		if err := transcript.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transcript")
		}
	}

	log.Info().Msg("frostcon stopped")
	os.Exit(exitCode)
}
