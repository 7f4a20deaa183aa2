package internal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parley/internal/storage"
)

// ServerOptions configures NewServer. Zero values fall back to defaults.
type ServerOptions struct {
	Secret         string
	TokenTTL       time.Duration
	Transport      TransportConfig
	AuthRateLimit  int
	AuthRateWindow time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server wires the realtime components to a store and serves the
// websocket endpoint plus the JSON API.
type Server struct {
	store       *storage.Store
	registry    *ConnectionRegistry
	router      *EventRouter
	presence    *PresenceTracker
	calls       *CallSignalRelay
	auth        *SessionAuthenticator
	issuer      *TokenIssuer
	metrics     *Metrics
	authLimiter *RateLimiter
	tokenTTL    time.Duration
	transport   TransportConfig
	origins     map[string]bool
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pumps    sync.WaitGroup
	drainMu  sync.Mutex
	draining bool
}

func NewServer(store *storage.Store, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.AuthRateLimit <= 0 {
		opts.AuthRateLimit = 10
	}
	if opts.AuthRateWindow <= 0 {
		opts.AuthRateWindow = time.Minute
	}

	metrics := NewMetrics()
	registry := NewConnectionRegistry()
	router := NewEventRouter(registry, store, metrics, logger)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:       store,
		registry:    registry,
		router:      router,
		presence:    NewPresenceTracker(registry, router, store, store, logger),
		calls:       NewCallSignalRelay(router, store, logger),
		auth:        NewSessionAuthenticator(opts.Secret, store),
		issuer:      NewTokenIssuer(opts.Secret),
		metrics:     metrics,
		authLimiter: NewRateLimiter(opts.AuthRateLimit, opts.AuthRateWindow),
		tokenTTL:    opts.TokenTTL,
		transport:   opts.Transport.withDefaults(),
		origins:     make(map[string]bool),
		logger:      logger.With("component", "server"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, origin := range opts.AllowedOrigins {
		s.origins[origin] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *ConnectionRegistry { return s.registry }
func (s *Server) Metrics() *Metrics             { return s.metrics }

// ServeWS authenticates the handshake, upgrades it and starts the pumps.
// Rejected handshakes never touch the registry.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	identity, err := s.auth.Authenticate(r.Context(), CredentialFromRequest(r))
	if err != nil {
		s.logger.Warn("websocket auth rejected", "ip", s.clientIP(r), "err", err)
		writeAuthError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "userID", identity.UserID, "err", err)
		return
	}
	if !s.addPumps() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	client := newClient(conn, identity, s.transport, s.logger)
	s.metrics.IncConn()
	client.logger.Info("connected", "username", identity.Username)
	s.presence.Connect(r.Context(), client)

	go func() {
		defer s.pumps.Done()
		client.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		client.readPump(s.ctx, func(ctx context.Context, payload []byte) {
			_ = s.router.HandleInbound(ctx, client, payload)
		}, func() {
			s.metrics.IncRateLimited()
			s.router.SendTo(client, EventError, errorPayload{Message: "rate limit exceeded, slow down"})
		}, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.presence.Disconnect(ctx, client)
			s.metrics.DecConn()
			client.logger.Info("disconnected", "duration", time.Since(client.EstablishedAt()).Round(time.Second))
		})
	}()
	// Shutdown may have walked the registry before Connect registered us.
	if s.isDraining() {
		client.Close()
	}
}

// addPumps reserves the two pump goroutines unless the server is draining.
// Shutdown flips draining under the same lock before it waits.
func (s *Server) addPumps() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.draining {
		return false
	}
	s.pumps.Add(2)
	return true
}

func (s *Server) isDraining() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return s.draining
}

// Shutdown stops accepting websocket handshakes, closes every registered
// connection and waits for their pumps to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.drainMu.Lock()
	s.draining = true
	s.drainMu.Unlock()
	s.cancel()
	for _, conn := range s.registry.All() {
		if client, ok := conn.(*Client); ok {
			client.Close()
		}
	}
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) authenticateRequest(r *http.Request) (Identity, error) {
	return s.auth.Authenticate(r.Context(), CredentialFromRequest(r))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Host == r.Host || s.origins[parsed.Host]
}

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrUnauthenticated) {
		status = http.StatusUnauthorized
	}
	http.Error(w, http.StatusText(status), status)
}
