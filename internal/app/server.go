package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "parley/internal"
	"parley/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	realtime *intrnl.Server
	store    *storage.Store
	logger   *slog.Logger
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop closes websocket connections, then shuts the HTTP server down within
// the ctx deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := h.realtime.Shutdown(ctx); err != nil {
		h.logger.Warn("websocket drain incomplete", "err", err)
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the realtime
// server and starts serving in the background. Call Stop/Wait to manage its
// lifecycle; cancelling ctx also stops it.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Auth.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	realtime := intrnl.NewServer(store, intrnl.ServerOptions{
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
		Transport: intrnl.TransportConfig{
			WriteWait:      cfg.Transport.WriteWait,
			PongWait:       cfg.Transport.PongWait,
			PingPeriod:     cfg.Transport.PingPeriod,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			SendBuffer:     cfg.Transport.SendBuffer,
			RateLimit:      cfg.Limits.EventsPerWindow,
			RateWindow:     cfg.Limits.EventWindow,
		},
		AuthRateLimit:  cfg.Limits.AuthPerWindow,
		AuthRateWindow: cfg.Limits.AuthWindow,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           realtime.Routes(cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   httpServer,
		realtime: realtime,
		store:    store,
		logger:   logger.With("component", "app"),
		done:     make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			handle.logger.Error("server shutdown error", "err", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		h.logger.Error("store close error", "err", err)
	}
	h.err = err
}
