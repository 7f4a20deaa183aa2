package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type targetKind int

const (
	targetUser targetKind = iota
	targetUsers
	targetAllExcept
)

// Target selects the connections an OutboundEvent is written to.
type Target struct {
	kind    targetKind
	userIDs []string
	except  Conn
}

// ToUser targets every live connection of one user.
func ToUser(userID string) Target {
	return Target{kind: targetUser, userIDs: []string{userID}}
}

// ToUsers targets each listed user independently. Duplicates are ignored.
func ToUsers(userIDs ...string) Target {
	return Target{kind: targetUsers, userIDs: userIDs}
}

// AllExcept targets every registered connection other than origin.
func AllExcept(origin Conn) Target {
	return Target{kind: targetAllExcept, except: origin}
}

type OutboundEvent struct {
	Name    string
	Payload any
	Target  Target
}

// EventRouter writes named events to the connections held by a registry.
// Delivery is at-most-once: offline targets are dropped and failed writes
// are only logged.
type EventRouter struct {
	registry *ConnectionRegistry
	settings SettingsSource
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewEventRouter(registry *ConnectionRegistry, settings SettingsSource, metrics *Metrics, logger *slog.Logger) *EventRouter {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRouter{
		registry: registry,
		settings: settings,
		metrics:  metrics,
		logger:   logger.With("component", "router"),
		now:      time.Now,
	}
}

// Encode builds the wire envelope for an event.
func Encode(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	frame, err := json.Marshal(Envelope{Event: name, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", name, err)
	}
	return frame, nil
}

// Deliver writes the event to every targeted connection and returns the
// number of successful writes.
func (router *EventRouter) Deliver(event OutboundEvent) int {
	frame, err := Encode(event.Name, event.Payload)
	if err != nil {
		router.logger.Error("drop unencodable event", "event", event.Name, "err", err)
		return 0
	}

	writes := 0
	switch event.Target.kind {
	case targetAllExcept:
		for _, conn := range router.registry.All() {
			if event.Target.except != nil && conn.ID() == event.Target.except.ID() {
				continue
			}
			writes += router.write(conn, event.Name, frame)
		}
	default:
		seen := make(map[string]struct{}, len(event.Target.userIDs))
		for _, userID := range event.Target.userIDs {
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			conns := router.registry.ConnectionsOf(userID)
			if len(conns) == 0 {
				router.metrics.IncDropped()
				router.logger.Debug("target offline", "event", event.Name, "userID", userID)
				continue
			}
			for _, conn := range conns {
				writes += router.write(conn, event.Name, frame)
			}
		}
	}
	router.metrics.AddDelivered(writes)
	return writes
}

// SendTo writes one event to a single connection.
func (router *EventRouter) SendTo(conn Conn, name string, payload any) bool {
	frame, err := Encode(name, payload)
	if err != nil {
		router.logger.Error("drop unencodable event", "event", name, "err", err)
		return false
	}
	ok := router.write(conn, name, frame) == 1
	if ok {
		router.metrics.AddDelivered(1)
	}
	return ok
}

func (router *EventRouter) write(conn Conn, name string, frame []byte) int {
	if err := conn.Send(frame); err != nil {
		router.metrics.IncSendFailure()
		router.logger.Warn("send failed", "event", name, "connID", conn.ID(), "userID", conn.UserID(), "err", err)
		return 0
	}
	return 1
}
