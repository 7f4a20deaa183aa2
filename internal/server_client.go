package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// TransportConfig tunes the per-connection pumps.
type TransportConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      int
	RateWindow     time.Duration
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 8192,
		SendBuffer:     256,
		RateLimit:      20,
		RateWindow:     2 * time.Second,
	}
}

func (cfg TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	return cfg
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	id            string
	identity      Identity
	conn          *websocket.Conn
	cfg           TransportConfig
	send          chan []byte
	mutex         sync.Mutex
	closed        bool
	messageTimes  []time.Time
	establishedAt time.Time
	logger        *slog.Logger
}

func newClient(conn *websocket.Conn, identity Identity, cfg TransportConfig, logger *slog.Logger) *Client {
	id := ulid.Make().String()
	return &Client{
		id:            id,
		identity:      identity,
		conn:          conn,
		cfg:           cfg,
		send:          make(chan []byte, cfg.SendBuffer),
		messageTimes:  make([]time.Time, 0, cfg.RateLimit),
		establishedAt: time.Now(),
		logger:        logger.With("connID", id, "userID", identity.UserID),
	}
}

func (client *Client) ID() string       { return client.id }
func (client *Client) UserID() string   { return client.identity.UserID }
func (client *Client) Username() string { return client.identity.Username }

func (client *Client) EstablishedAt() time.Time { return client.establishedAt }

// Send queues a frame without blocking. A client that can't keep up is
// closed, which ends its pumps.
func (client *Client) Send(frame []byte) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.closed {
		return ErrConnClosed
	}
	select {
	case client.send <- frame:
		return nil
	default:
		client.closed = true
		close(client.send)
		client.logger.Warn("dropping slow consumer")
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// socket.
func (client *Client) Close() {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

// readPump feeds inbound frames to handle until the socket fails, then runs
// onClose.
func (client *Client) readPump(ctx context.Context, handle func(context.Context, []byte), onRateLimit func(), onClose func()) {
	defer func() {
		client.Close()
		client.conn.Close()
		if onClose != nil {
			onClose()
		}
	}()
	client.conn.SetReadLimit(client.cfg.MaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(client.cfg.PongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(client.cfg.PongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Debug("read failed", "err", err)
			}
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		if !client.allowMessage(time.Now()) {
			if onRateLimit != nil {
				onRateLimit()
			}
			continue
		}
		handle(ctx, payload)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(client.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(client.cfg.WriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(client.cfg.WriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rate limits

func (client *Client) allowMessage(now time.Time) bool {
	client.messageTimes = prune(client.messageTimes, now.Add(-client.cfg.RateWindow))
	if len(client.messageTimes) >= client.cfg.RateLimit {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
