package health

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChainStatus is the per-chain slice of a status snapshot.
type ChainStatus struct {
	Name               string `json:"name"`
	LedgerAddress      string `json:"ledger_address"`
	Paused             bool   `json:"paused"`
	Intents            uint64 `json:"intents"`
	Fulfillments       uint64 `json:"fulfillments"`
	Settlements        uint64 `json:"settlements"`
	RejectedDuplicates uint64 `json:"rejected_duplicates"`
}

// Snapshot is the full node state reported by the status endpoint.
type Snapshot struct {
	Chains          map[uint64]ChainStatus `json:"chains"`
	RouterForwarded uint64                 `json:"router_forwarded"`
	RouterErrors    uint64                 `json:"router_errors"`
	RelayQueueDepth int                    `json:"relay_queue_depth"`
	RelayParked     []string               `json:"relay_parked"`
}

// Reporter supplies the server with node state.
type Reporter interface {
	Ready() bool
	Snapshot() Snapshot
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	reporter      Reporter
	metricsAPIKey string
}

// NewServer creates a new health check server
func NewServer(port string, reporter Reporter) *Server {
	return &Server{
		port:          port,
		reporter:      reporter,
		metricsAPIKey: os.Getenv("METRICS_API_KEY"),
	}
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Get API key from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// Check if the header has the correct format
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		// Validate API key
		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the HTTP handler serving the health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness check
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.reporter.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	// Chain status endpoint
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snapshot := s.reporter.Snapshot()

		status := make(map[string]interface{})
		for chainID, chain := range snapshot.Chains {
			status[fmt.Sprintf("chain_%d", chainID)] = chain
		}
		status["router"] = map[string]interface{}{
			"forwarded": snapshot.RouterForwarded,
			"errors":    snapshot.RouterErrors,
		}
		status["relay"] = map[string]interface{}{
			"queue_depth": snapshot.RelayQueueDepth,
			"parked":      snapshot.RelayParked,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding status JSON: %v", err)
		}
	})

	// Parked deliveries endpoint
	mux.HandleFunc("/relay/parked", func(w http.ResponseWriter, r *http.Request) {
		snapshot := s.reporter.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot.RelayParked); err != nil {
			log.Printf("Error encoding parked JSON: %v", err)
		}
	})

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	return mux
}

// Start starts the health check server
func (s *Server) Start() {
	log.Printf("Starting health and metrics server on port %s", s.port)
	if err := http.ListenAndServe(":"+s.port, s.Handler()); err != nil {
		log.Printf("Health server error: %v", err)
	}
}
