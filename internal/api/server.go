package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/joblock"
	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

// Runner executes one pipeline stage to exhaustion and reports how much
// work it did.
type Runner func(ctx context.Context) (int, error)

// Jobs binds the trigger endpoints to the pipeline stages.
type Jobs struct {
	TrackIncidents              Runner
	CloseIncidents              Runner
	CreateEventNotifications    Runner
	CreateIncidentNotifications Runner
	SendEventNotifications      Runner
	SendIncidentNotifications   Runner
}

// Pinger is the health-check surface of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IngestStore receives upstream-matched site alerts.
type IngestStore interface {
	InsertSiteAlerts(ctx context.Context, alerts []models.SiteAlert) (int, error)
}

// lockTTL caps how long a wedged job can hold its lease.
const lockTTL = 10 * time.Minute

// Server exposes the externally-triggered pipeline stages. Every trigger is
// guarded by a shared secret, safe to invoke repeatedly, and simply drains
// whatever is pending.
type Server struct {
	secret   string
	locker   joblock.Locker
	db       Pinger
	ingest   IngestStore
	callback *CarrierCallback
	jobs     Jobs

	httpServer *http.Server // Stored for graceful shutdown
}

func NewServer(secret string, locker joblock.Locker, db Pinger, ingest IngestStore, callback *CarrierCallback, jobs Jobs) *Server {
	return &Server{
		secret:   secret,
		locker:   locker,
		db:       db,
		ingest:   ingest,
		callback: callback,
		jobs:     jobs,
	}
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Printf("HTTP server listening on: %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server with a timeout.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// Handler builds the route table. Exposed so tests can drive the server
// without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/alerts", s.handleIngest)
	mux.HandleFunc("/api/webhooks/carrier-status", s.callback.Handle)

	mux.HandleFunc("/api/cron/track-incidents", s.handleJob("track-incidents", s.jobs.TrackIncidents))
	mux.HandleFunc("/api/cron/close-incidents", s.handleJob("close-incidents", s.jobs.CloseIncidents))
	mux.HandleFunc("/api/cron/create-event-notifications", s.handleJob("create-event-notifications", s.jobs.CreateEventNotifications))
	mux.HandleFunc("/api/cron/create-incident-notifications", s.handleJob("create-incident-notifications", s.jobs.CreateIncidentNotifications))
	mux.HandleFunc("/api/cron/send-event-notifications", s.handleJob("send-event-notifications", s.jobs.SendEventNotifications))
	mux.HandleFunc("/api/cron/send-incident-notifications", s.handleJob("send-incident-notifications", s.jobs.SendIncidentNotifications))
	return mux
}

func (s *Server) handleJob(name string, run Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not supported", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		release, acquired, err := s.locker.Acquire(r.Context(), name, lockTTL)
		if err != nil {
			log.Printf("Job %s: lock error: %v", name, err)
			http.Error(w, "Lock unavailable", http.StatusInternalServerError)
			return
		}
		if !acquired {
			writeJSON(w, http.StatusConflict, map[string]any{"job": name, "status": "already running"})
			return
		}
		defer release()

		started := time.Now()
		processed, err := run(r.Context())
		if err != nil {
			log.Printf("Job %s failed after %s: %v", name, time.Since(started), err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Printf("Job %s done: processed=%d elapsed=%s", name, processed, time.Since(started))
		writeJSON(w, http.StatusOK, map[string]any{"job": name, "processed": processed})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

type alertPayload struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"siteId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Confidence string    `json:"confidence"`
	Distance   float64   `json:"distance"`
	DetectedBy string    `json:"detectedBy"`
	EventDate  time.Time `json:"eventDate"`
}

// handleIngest accepts the upstream matcher's site alerts in bulk.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not supported", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var payload []alertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	alerts := make([]models.SiteAlert, 0, len(payload))
	for _, p := range payload {
		if p.SiteID == "" || p.EventDate.IsZero() {
			http.Error(w, "siteId and eventDate are required", http.StatusBadRequest)
			return
		}
		id := p.ID
		if id == "" {
			id = models.NewID()
		}
		alerts = append(alerts, models.SiteAlert{
			ID:         id,
			SiteID:     p.SiteID,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Confidence: p.Confidence,
			Distance:   p.Distance,
			DetectedBy: p.DetectedBy,
			EventDate:  p.EventDate,
		})
	}

	created, err := s.ingest.InsertSiteAlerts(r.Context(), alerts)
	if err != nil {
		log.Printf("Alert ingest failed: %v", err)
		http.Error(w, "Insert failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"created": created})
}

func (s *Server) authorized(r *http.Request) bool {
	secret := r.URL.Query().Get("secret")
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
