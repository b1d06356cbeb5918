package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/api"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/config"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/creation"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/delivery"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/eventbus"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/incident"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/joblock"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/notifier"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/store"
)

// main is the entry point for the FireAlert notification service.
//
// The service is responsible for:
//   - Ingesting site-matched fire detections over HTTP
//   - Tracking and closing fire incidents per monitored site
//   - Creating notification records for the per-event and per-incident lanes
//   - Delivering notifications through device, webhook, email, SMS and
//     WhatsApp senders
//   - Disabling channels that fail repeatedly and notifying their owners
//
// Lifecycle:
//  1. Load configuration from environment variables
//  2. Connect to Postgres, and optionally NATS and Redis
//  3. Build the notifier registry and the pipeline stages
//  4. Start the HTTP trigger server
//  5. Listen for shutdown signals (SIGINT, SIGTERM)
//  6. Gracefully close all connections on shutdown
func main() {
	log.Printf("FireAlert notifier starting...")

	// Load configuration from environment variables and .env file
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded successfully")
	log.Printf("  HTTP Port: %s", cfg.HTTPPort)
	log.Printf("  Batch Size: %d", cfg.BatchSize)
	log.Printf("  Chunk Size: %d", cfg.ChunkSize)
	log.Printf("  Lookback Window: %s", cfg.LookbackWindow)
	log.Printf("  Site Throttle: %s", cfg.SiteThrottle)
	log.Printf("  Incident Inactivity: %s", cfg.IncidentInactivity)
	log.Printf("  Event Publishing Enabled: %v", cfg.EnableEventPublishing)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Pipeline state changes are published to NATS when enabled so other
	// services can react; otherwise events are dropped.
	var events eventbus.Events = eventbus.Nop{}
	if cfg.EnableEventPublishing {
		publisher, err := eventbus.NewPublisher(cfg.NatsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		events = publisher
	}

	// Redis backs the per-job leases that keep overlapping trigger
	// invocations from racing. Without Redis every trigger runs.
	var locker joblock.Locker = joblock.Nop{}
	if cfg.RedisAddr != "" {
		redisLocker, err := joblock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		locker = redisLocker
	}

	carrier := &notifier.Carrier{
		AccountID:          cfg.CarrierAccountID,
		AuthToken:          cfg.CarrierAuthToken,
		APIURL:             cfg.CarrierAPIURL,
		RestrictedPrefixes: cfg.RestrictedPrefixes,
	}

	registry := notifier.NewRegistry()
	registry.Register(&notifier.Webhook{})
	registry.Register(&notifier.Device{APIURL: cfg.PushAPIURL, APIKey: cfg.PushAPIKey})
	registry.Register(&notifier.Email{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	registry.Register(&notifier.SMS{Carrier: carrier, From: cfg.SMSFrom})
	registry.Register(&notifier.WhatsApp{Carrier: carrier, From: cfg.WhatsAppFrom})

	failures := delivery.NewFailureHandler(db, registry, events, nil)

	tracker := incident.NewTracker(db, events, cfg.IncidentInactivity, cfg.LookbackWindow)
	eventLane := creation.NewEventLane(db, creation.EventLaneConfig{
		Lookback:  cfg.LookbackWindow,
		Throttle:  cfg.SiteThrottle,
		ChunkSize: cfg.ChunkSize,
		Budget:    cfg.JobBudget,
	})
	incidentLane := creation.NewIncidentLane(db)

	eventPipeline := delivery.NewPipeline(db, registry, failures, events, delivery.Config{
		Pending:   delivery.PerEventStatuses(),
		Exclude:   cfg.DisabledChannels,
		BatchSize: cfg.BatchSize,
		Interval:  cfg.BatchInterval,
	})
	incidentPipeline := delivery.NewPipeline(db, registry, failures, events, delivery.Config{
		Pending:   delivery.PerIncidentStatuses(),
		Exclude:   cfg.DisabledChannels,
		BatchSize: cfg.BatchSize,
		Interval:  cfg.BatchInterval,
	})

	callback := api.NewCarrierCallback(cfg.CarrierWebhookSecret, db, failures)
	server := api.NewServer(cfg.TriggerSecret, locker, db, db, callback, api.Jobs{
		TrackIncidents:              tracker.Track,
		CloseIncidents:              tracker.CloseStale,
		CreateEventNotifications:    eventLane.Run,
		CreateIncidentNotifications: incidentLane.Run,
		SendEventNotifications:      eventPipeline.Run,
		SendIncidentNotifications:   incidentPipeline.Run,
	})

	go func() {
		if err := server.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Block until shutdown signal received
	<-ctx.Done()
	log.Printf("Shutdown signal received, initiating graceful shutdown...")

	if err := server.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Printf("FireAlert notifier stopped")
}
