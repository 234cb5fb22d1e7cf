package internal

import (
	"sync/atomic"

	"roomchat/internal/storage"
)

type Metrics struct {
	joins         atomic.Uint64
	lockedJoins   atomic.Uint64
	messages      atomic.Uint64
	edits         atomic.Uint64
	receipts      atomic.Uint64
	rejected      atomic.Uint64
	rateLimited   atomic.Uint64
	slowDrops     atomic.Uint64
	activeConns   atomic.Int64
	sweeps        atomic.Uint64
	sweptMessages atomic.Uint64
	sweptUsers    atomic.Uint64
	sweptRooms    atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncJoin() {
	m.joins.Add(1)
}

func (m *Metrics) IncLockedJoin() {
	m.lockedJoins.Add(1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncEdit() {
	m.edits.Add(1)
}

func (m *Metrics) IncReceipt() {
	m.receipts.Add(1)
}

func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

func (m *Metrics) IncSlowDrop() {
	m.slowDrops.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// ObserveSweep records one retention sweep that removed rows.
func (m *Metrics) ObserveSweep(removed storage.SweepStats) {
	m.sweeps.Add(1)
	m.sweptMessages.Add(uint64(removed.Messages))
	m.sweptUsers.Add(uint64(removed.Users))
	m.sweptRooms.Add(uint64(removed.Rooms))
}

// Snapshot returns the counters keyed by their exported names.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"joins_total":           m.joins.Load(),
		"locked_joins_total":    m.lockedJoins.Load(),
		"messages_total":        m.messages.Load(),
		"edits_total":           m.edits.Load(),
		"receipts_total":        m.receipts.Load(),
		"rejected_events_total": m.rejected.Load(),
		"rate_limited_total":    m.rateLimited.Load(),
		"slow_consumer_drops":   m.slowDrops.Load(),
		"active_connections":    m.activeConns.Load(),
		"sweeps_total":          m.sweeps.Load(),
		"swept_messages_total":  m.sweptMessages.Load(),
		"swept_users_total":     m.sweptUsers.Load(),
		"swept_rooms_total":     m.sweptRooms.Load(),
	}
}
