// Package api exposes the control-plane HTTP surface: session
// lifecycle, failover operations, the notification webhook and the
// health/metrics endpoints.
package api

import (
	"net/http"

	"github.com/vidmesh/sentinel/internal/detector"
	"github.com/vidmesh/sentinel/internal/gc"
	"github.com/vidmesh/sentinel/internal/launcher"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
	"github.com/vidmesh/sentinel/internal/registry"
	"github.com/vidmesh/sentinel/internal/relay"
	"github.com/vidmesh/sentinel/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store    store.SessionStore
	Registry *registry.Registry
	Detector *detector.Detector
	Launcher *launcher.Launcher
	GC       *gc.Collector
	Relay    *relay.Relay
	Metrics  *metrics.Metrics
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{
		Store:    cfg.Store,
		Registry: cfg.Registry,
		Detector: cfg.Detector,
		Launcher: cfg.Launcher,
		GC:       cfg.GC,
		Relay:    cfg.Relay,
	}
	h.RegisterRoutes(mux)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
