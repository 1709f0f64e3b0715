package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/snarg/motion-engine/internal/api"
	"github.com/snarg/motion-engine/internal/config"
	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/ingest"
	"github.com/snarg/motion-engine/internal/mqttclient"
	"github.com/snarg/motion-engine/internal/provision"
	"github.com/snarg/motion-engine/internal/reaper"
	"github.com/snarg/motion-engine/internal/secrets"
	"github.com/snarg/motion-engine/internal/spotify"
	"github.com/snarg/motion-engine/internal/tokens"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("motion-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	// Secrets
	secretStore, err := secrets.NewAWSStore(ctx, secrets.AWSConfig{
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create secrets store")
	}
	store := secrets.WithPrefix(secretStore, cfg.SecretsPrefix)

	// Music service client and token cache
	music := spotify.NewClient(spotify.Options{
		APIURL:       cfg.SpotifyAPIURL,
		AccountsURL:  cfg.SpotifyAccountsURL,
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		Timeout:      cfg.CallTimeout,
		Log:          log,
	})
	tokenCache := tokens.NewCache(store, music, clock, log)

	// Token warden: keeps refresh tokens warm in the background
	warden := tokens.NewWarden(tokens.WardenOptions{
		Directory: db,
		Store:     store,
		Refresher: music,
		Cache:     tokenCache,
		Interval:  cfg.WardenInterval,
		Margin:    cfg.TokenSafetyMargin,
		Workers:   cfg.TickWorkers,
		Clock:     clock,
		Log:       log,
	})
	warden.Start(ctx)
	defer warden.Stop()

	// Ingest pipeline
	pipeline := ingest.NewPipeline(ingest.PipelineOptions{
		Store:          db,
		Player:         music,
		Tokens:         tokenCache,
		Retention:      cfg.SessionRetention,
		HandlerTimeout: cfg.HandlerTimeout,
		CallTimeout:    cfg.CallTimeout,
		Clock:          clock,
		Log:            log,
	})
	pipeline.Start()
	defer pipeline.Stop()

	// MQTT
	mqttLog := log.With().Str("component", "mqtt").Logger()
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		QoS:       1,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		CAFile:    cfg.MQTTCAFile,
		CertFile:  cfg.MQTTCertFile,
		KeyFile:   cfg.MQTTKeyFile,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer mqtt.Close()
	mqtt.SetMessageHandler(pipeline.HandleMessage)

	// Session reaper
	r := reaper.New(reaper.Options{
		Store:     db,
		Player:    music,
		Tokens:    tokenCache,
		Interval:  cfg.ReaperInterval,
		Retention: cfg.SessionRetention,
		Workers:   cfg.TickWorkers,
		Clock:     clock,
		Log:       log,
	})
	r.Start(ctx)
	defer r.Stop()

	// Sensor provisioning
	iotControl, err := provision.NewAWSIoT(ctx, provision.AWSConfig{
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create iot client")
	}
	provisioner := provision.New(provision.Options{
		IoT:          iotControl,
		Store:        db,
		Region:       cfg.AWSRegion,
		PolicyPrefix: cfg.IoTPolicyPrefix,
		Log:          log,
	})

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	sensors := api.NewSensorHandler(provisioner, db, mqtt)
	srv := api.NewServer(cfg, db, mqtt, sensors, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("motion-engine stopped")
}
