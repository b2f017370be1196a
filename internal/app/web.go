// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/registry"
	"github.com/relabs-tech/inertial_mesh/internal/role"
	"github.com/relabs-tech/inertial_mesh/internal/store"
	"github.com/relabs-tech/inertial_mesh/internal/telemetry"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	wsWriteTimeout          = time.Second
)

// SnapshotProvider is the read side of the aggregator served over HTTP.
type SnapshotProvider interface {
	Document() store.Document
	Devices() []registry.Entry
	Identity() telemetry.Identity
	Role() role.Role
	Address() telemetry.HardwareAddress
	Capacity() int
}

// DeviceList is the /api/devices response.
type DeviceList struct {
	Role     string                    `json:"role"`
	Address  telemetry.HardwareAddress `json:"address"`
	Identity telemetry.Identity        `json:"identity"`
	Capacity int                       `json:"capacity"`
	Devices  []registry.Entry          `json:"devices"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins for local dashboards
	},
}

// WebServer serves the snapshot document, the device list, metrics and a
// websocket feed of snapshots.
type WebServer struct {
	addr      string
	staticDir string
	push      time.Duration

	provider SnapshotProvider
	metrics  http.Handler
	logger   *slog.Logger

	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebServer wires the HTTP surface. metricsHandler may be nil.
func NewWebServer(cfg *config.Config, provider SnapshotProvider, metricsHandler http.Handler, logger *slog.Logger) *WebServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebServer{
		addr:      fmt.Sprintf(":%d", cfg.WebServerPort),
		staticDir: cfg.WebStaticDir,
		push:      time.Duration(cfg.WSPushIntervalMS) * time.Millisecond,
		provider:  provider,
		metrics:   metricsHandler,
		logger:    logger.With("component", "web"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler builds the router.
func (ws *WebServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(ws.loggingMiddleware)

	// root keeps answering with the bare snapshot document
	r.Get("/", ws.handleSnapshot)
	r.Get("/api/snapshot", ws.handleSnapshot)
	r.Get("/api/devices", ws.handleDevices)
	r.Get("/ws", ws.handleWebSocket)
	if ws.metrics != nil {
		r.Handle("/metrics", ws.metrics)
	}

	if info, err := os.Stat(ws.staticDir); err == nil && info.IsDir() {
		r.Handle("/ui/*", http.StripPrefix("/ui/", http.FileServer(http.Dir(ws.staticDir))))
	}
	return r
}

func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		ws.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, ws.provider.Document(), ws.logger)
}

func (ws *WebServer) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, DeviceList{
		Role:     ws.provider.Role().String(),
		Address:  ws.provider.Address(),
		Identity: ws.provider.Identity(),
		Capacity: ws.provider.Capacity(),
		Devices:  ws.provider.Devices(),
	}, ws.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("json encode error", "error", err)
	}
}

// handleWebSocket pushes a snapshot every push interval until the client
// goes away or the server closes.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	ws.logger.Info("websocket client connected", "remote", remote)

	// The reader only notices the client closing; inbound messages are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ws.push)
	defer ticker.Stop()

	for {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(ws.provider.Document()); err != nil {
			ws.logger.Info("websocket client disconnected", "remote", remote, "error", err)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			ws.logger.Info("websocket client disconnected", "remote", remote)
			return
		case <-ws.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// Start listens on the configured port and serves in the background.
func (ws *WebServer) Start() error {
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("web server listen %s: %w", ws.addr, err)
	}

	ws.server = &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("web server error", "error", err)
		}
	}()

	ws.logger.Info("web server listening", "address", ln.Addr().String())
	return nil
}

// Close ends websocket feeds and shuts the server down gracefully.
func (ws *WebServer) Close() error {
	ws.cancel()
	if ws.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	ws.logger.Info("web server shutting down")
	srv := ws.server
	ws.server = nil
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down web server: %w", err)
	}
	return nil
}
