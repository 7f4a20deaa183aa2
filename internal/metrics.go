package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups         atomic.Uint64
	logins          atomic.Uint64
	activeConns     atomic.Int64
	eventsDelivered atomic.Uint64
	eventsDropped   atomic.Uint64
	sendFailures    atomic.Uint64
	malformedEvents atomic.Uint64
	rateLimited     atomic.Uint64
	callsInitiated  atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) AddDelivered(n int) {
	m.eventsDelivered.Add(uint64(n))
}

// IncDropped counts an event addressed to a user with no live connection.
func (m *Metrics) IncDropped() {
	m.eventsDropped.Add(1)
}

func (m *Metrics) IncSendFailure() {
	m.sendFailures.Add(1)
}

func (m *Metrics) IncMalformed() {
	m.malformedEvents.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

func (m *Metrics) IncCall() {
	m.callsInitiated.Add(1)
}

func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"signups_total":          m.signups.Load(),
		"logins_total":           m.logins.Load(),
		"active_connections":     m.activeConns.Load(),
		"events_delivered_total": m.eventsDelivered.Load(),
		"events_dropped_total":   m.eventsDropped.Load(),
		"send_failures_total":    m.sendFailures.Load(),
		"malformed_events_total": m.malformedEvents.Load(),
		"rate_limited_total":     m.rateLimited.Load(),
		"calls_initiated_total":  m.callsInitiated.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
