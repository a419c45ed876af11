// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bloodbank-notifier/delivery"
	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/registry"
	"bloodbank-notifier/sweep"
)

const maxBodyBytes = 64 << 10

// Registry is the part of the subscriber registry the HTTP surface needs.
type Registry interface {
	Register(ctx context.Context, sub relay.Subscription) (registry.Status, error)
	Len() int
}

// Broadcaster runs a delivery pass.
type Broadcaster interface {
	Broadcast(ctx context.Context, n relay.Notification) (delivery.Result, error)
}

// Sweeper runs a maintenance sweep.
type Sweeper interface {
	Sweep(ctx context.Context) sweep.Report
}

// Records is the donor/event store behind the CRUD endpoints.
type Records interface {
	AddDonor(ctx context.Context, d relay.Donor) (string, error)
	DonorByContact(ctx context.Context, contactNumber string) (relay.Donor, error)
	UpdateDonor(ctx context.Context, id string, d relay.Donor) error
	DeleteDonor(ctx context.Context, id string) error
	AddEvent(ctx context.Context, e relay.Event) (string, error)
	EventsByName(ctx context.Context, name string) ([]relay.Event, error)
	UpdateEvent(ctx context.Context, id string, e relay.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// Server handles HTTP requests.
type Server struct {
	registry    Registry
	broadcaster Broadcaster
	sweeper     Sweeper
	records     Records
	gatherer    prometheus.Gatherer
	limiter     *rateLimiter
	logger      *slog.Logger

	inflight sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Registry         Registry
	Broadcaster      Broadcaster
	Sweeper          Sweeper
	Records          Records             // optional; CRUD routes are omitted when nil
	Gatherer         prometheus.Gatherer // optional; /metrics is omitted when nil
	Logger           *slog.Logger
	RateLimitPerHour int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		sweeper:     cfg.Sweeper,
		records:     cfg.Records,
		gatherer:    cfg.Gatherer,
		limiter:     newRateLimiter(cfg.RateLimitPerHour, time.Now),
		logger:      cfg.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /subscriptions/count", s.handleCount)
	mux.HandleFunc("POST /send-notification", s.handleSendNotification)
	mux.HandleFunc("POST /send-ad", s.handleSendAd)
	mux.HandleFunc("POST /sweepz", s.handleSweep)

	if s.records != nil {
		mux.HandleFunc("POST /bloodbank/donors", s.handleAddDonor)
		mux.HandleFunc("GET /bloodbank/donors/{contactNumber}", s.handleGetDonor)
		mux.HandleFunc("PUT /bloodbank/donors/{id}", s.handleUpdateDonor)
		mux.HandleFunc("DELETE /bloodbank/donors/{id}", s.handleDeleteDonor)
		mux.HandleFunc("POST /events", s.handleAddEvent)
		mux.HandleFunc("GET /events/search/{name}", s.handleSearchEvents)
		mux.HandleFunc("PUT /events/{id}", s.handleUpdateEvent)
		mux.HandleFunc("DELETE /events/{id}", s.handleDeleteEvent)
	}

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return cors(mux)
}

// HTTPServer wraps Handler in an http.Server with timeouts.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
}

// Wait blocks until broadcasts started by requests have finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastAsync starts a pass that outlives the request.
func (s *Server) broadcastAsync(r *http.Request, n relay.Notification) {
	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.broadcaster.Broadcast(ctx, n); err != nil {
			s.logger.Error("Broadcast failed", "title", n.Title, "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.registry.Len()})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Sweep endpoint triggered")
	s.writeJSON(w, http.StatusOK, s.sweeper.Sweep(r.Context()))
}

type messageResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, messageResponse{Message: msg})
}

// decode reads a JSON body of bounded size into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// clientIP returns the first X-Forwarded-For hop (Cloud Run), else RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// cors allows browser front-ends on other origins to call the API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
