// Package ingress receives the store's database webhook and hands accepted
// message events to the dispatcher.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"atlas/internal/domain"
	"atlas/internal/metrics"
)

const (
	maxBodyBytes = 1 << 20

	statusRunning  = "Atlas orchestrator is running"
	statusAccepted = "Accepted for processing"
	statusPending  = "Ignored - Message is pending human approval"
	statusDone     = "Ignored - Message already processed"
)

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Host        string
	Port        int
	WebhookPath string // default: /webhook/messages
	Secret      string // bearer token expected from the database webhook
	MetricsPath string // empty disables /metrics
	Bus         domain.EventBus
	Logger      *slog.Logger
}

// Server is the orchestrator's only inbound surface.
type Server struct {
	host        string
	port        int
	path        string
	secret      string
	metricsPath string
	bus         domain.EventBus
	logger      *slog.Logger
	server      *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/messages"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		path:        cfg.WebhookPath,
		secret:      cfg.Secret,
		metricsPath: cfg.MetricsPath,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST "+s.path, s.handleMessage)
	if s.metricsPath != "" {
		mux.HandleFunc("GET "+s.metricsPath, metrics.Default.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.secret == "" {
		s.logger.Warn("webhook secret is empty, every webhook call will be rejected")
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("ingress server starting", "addr", s.server.Addr, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingress server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ingress server: %w", err)
	}
}

func (s *Server) handleRoot(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": statusRunning})
}

func (s *Server) handleMessage(rw http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.EventsRejected.Inc()
		s.logger.Warn("webhook rejected: bad authorization", "remote", r.RemoteAddr)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": "Bad Request"})
		return
	}
	defer r.Body.Close()

	var ev domain.MessageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON"})
		return
	}

	rec := ev.Record
	s.logger.Info("webhook received",
		"type", ev.Type,
		"message_id", rec.ID,
		"channel_id", rec.ChannelID,
		"status", rec.Status,
		"is_processed", rec.IsProcessed,
	)

	// Ignore rules run before validation.
	switch {
	case rec.Status == domain.StatusPending:
		metrics.EventsIgnored.Inc()
		writeJSON(rw, http.StatusOK, map[string]string{"status": statusPending})
		return
	case rec.IsProcessed:
		metrics.EventsIgnored.Inc()
		writeJSON(rw, http.StatusOK, map[string]string{"status": statusDone})
		return
	}

	if rec.ID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": "record.id is required"})
		return
	}
	if err := rec.Validate(); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	metrics.EventsReceived.Inc()
	writeJSON(rw, http.StatusOK, map[string]string{"status": statusAccepted})
	if f, ok := rw.(http.Flusher); ok {
		f.Flush()
	}
	s.bus.Publish(ev)
}

// authorized compares the bearer token in constant time. An unset secret
// matches nothing.
func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return false
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.secret
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}
