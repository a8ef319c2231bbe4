// Package statsapi exposes a pool Manager's occupancy over a small
// read-only HTTP surface: no tenant CRUD, no dashboard — this module is a
// client-side pool library, not a multi-backend proxy, so there is nothing
// here to administer, only to observe.
package statsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbpool/mysqlpool/internal/poolmetrics"
	"github.com/dbpool/mysqlpool/pool"
)

// Server is the stats/health/metrics HTTP server.
type Server struct {
	manager    *pool.Manager
	metrics    *poolmetrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new stats API server over manager. metrics may be
// nil, in which case /metrics responds 404.
func NewServer(manager *pool.Manager, metrics *poolmetrics.Collector) *Server {
	return &Server{
		manager:   manager,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Start begins listening on bind:port and serving in a background
// goroutine. A listen failure is logged from that goroutine; Start itself
// always returns nil.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{name}", s.getPool).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[statsapi] listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[statsapi] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.AllStats())
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p, ok := s.manager.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pool named %q", name))
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	names := s.manager.Names()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"pools":  len(names),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(s.manager.Names()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
