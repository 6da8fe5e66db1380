package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atc-ota/atc-ota-server/internal/api"
	"github.com/atc-ota/atc-ota-server/internal/catalog"
	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/coordinator"
	"github.com/atc-ota/atc-ota-server/internal/firmware"
	"github.com/atc-ota/atc-ota-server/internal/ota"
	"github.com/atc-ota/atc-ota-server/internal/server"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	var validateOnly bool
	flag.StringVar(&configFile, "config", "config/ota-server.yml", "Configuration file path")
	flag.BoolVar(&validateOnly, "validate", false, "Validate configuration and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if validateOnly {
		fmt.Println("configuration OK")
		return
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Optional NATS connection for the event stream
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				log.Error().
					Err(err).
					Str("subject", sub.Subject).
					Msg("NATS error")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event stream")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Build the update pipeline
	resolver := catalog.NewResolver(cfg.Firmware, cfg.Update.CacheTTL)
	fetcher := firmware.NewFetcher(cfg.Firmware)
	transport := ota.NewBLETransport()

	var pub coordinator.Publisher
	if nc != nil {
		pub = nc
	}

	coord := coordinator.New(cfg, store, resolver, fetcher, transport, transport, pub)

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start update coordinator
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Update coordinator stopped")
		}
	}()

	// Start NATS subscriber
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, store)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("Starting NATS subscriber")
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, coord, resolver)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("OTA server stopped")
}
