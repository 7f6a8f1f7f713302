package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts relay-side activity; exposed as JSON on /metrics.
type Metrics struct {
	messagesStored atomic.Uint64
	eventsFanout   atomic.Uint64
	readsAdvanced  atomic.Uint64
	rejected       atomic.Uint64
	activeConns    atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncMessage()  { m.messagesStored.Add(1) }
func (m *Metrics) IncFanout()   { m.eventsFanout.Add(1) }
func (m *Metrics) IncRead()     { m.readsAdvanced.Add(1) }
func (m *Metrics) IncRejected() { m.rejected.Add(1) }
func (m *Metrics) IncConn()     { m.activeConns.Add(1) }
func (m *Metrics) DecConn()     { m.activeConns.Add(-1) }

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"messages_stored_total":  m.messagesStored.Load(),
		"events_fanout_total":    m.eventsFanout.Load(),
		"read_pointers_advanced": m.readsAdvanced.Load(),
		"writes_rejected_total":  m.rejected.Load(),
		"active_connections":     m.activeConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
