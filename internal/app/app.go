// Package app wires together the broker, audit store, HTTP status
// surface, and mDNS advertisement, and manages their combined lifecycle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/user32121/DistributedComputing/internal/audit"
	"github.com/user32121/DistributedComputing/internal/broker"
	"github.com/user32121/DistributedComputing/internal/config"
)

// App wires together the broker services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	broker   *broker.Broker
	audit    *audit.Store
	mdns     *zeroconf.Server
	mdnsPort int
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or a service fails.
func (a *App) Run(ctx context.Context) error {
	store, err := audit.Open(a.cfg.AuditDBPath, a.logger)
	if err != nil {
		return err
	}
	a.audit = store
	if err := a.audit.InitSchema(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := a.audit.Close(); cerr != nil {
			a.logger.Error("close audit store", "error", cerr)
		}
	}()

	brk := broker.New(broker.Options{
		MaxSubtasks:    a.cfg.MaxSubtasks,
		IdleTimeout:    a.cfg.IdleTimeout,
		ServerFilesDir: a.cfg.ServerFilesDir,
	}, a.logger)
	brk.SetAuditor(a.audit)
	a.broker = brk

	brokerErrCh, err := brk.Start(a.cfg.BindAddress)
	if err != nil {
		return err
	}

	if a.cfg.MDNSEnabled {
		brokerPort := resolveTCPPort(brk.Addr())
		if brokerPort == 0 {
			a.logger.Warn("unable to determine broker port for mDNS advertisement", "addr", a.cfg.BindAddress)
		} else if err := a.startMDNS(brokerPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer func() {
				a.stopMDNS()
				a.logger.Info("mDNS advertisement stopped")
			}()
		}
	}

	go a.statusHeartbeat(ctx)

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}
	go func() {
		a.logger.Info("http status server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http status server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http status server shutdown: %w", err)
			}
			a.logger.Info("http status server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// statusHeartbeat logs a periodic status line and refreshes the mDNS
// advertisement so discovering peers see current load figures.
func (a *App) statusHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.broker.Snapshot()
			a.logger.Info("broker status", "clients", len(snap.Clients), "nodes", snap.NodeCount)
			a.refreshMDNS()
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/events", a.handleEvents)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := json.NewEncoder(w).Encode(a.broker.Snapshot()); err != nil {
		a.logger.Error("encode status response", "error", err)
	}
}

// handleEvents serves the most recent audit-log entries, newest first.
// An optional ?limit= query parameter caps the row count (default 100).
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.audit == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid limit"}`))
			return
		}
		limit = n
	}

	events, err := a.audit.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error("query audit events", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := json.NewEncoder(w).Encode(events); err != nil {
		a.logger.Error("encode events response", "error", err)
	}
}

func resolveTCPPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
