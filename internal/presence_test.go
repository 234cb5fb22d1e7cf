package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"roomchat/internal/storage"
)

func TestPresenceTracker(t *testing.T) {
	p := NewPresenceTracker()
	assert.Equal(t, 1, p.Increment("u1"))
	assert.Equal(t, 2, p.Increment("u1"))
	p.Increment("u2")
	assert.Equal(t, 2, p.ActiveCount())

	assert.Equal(t, 1, p.Decrement("u1"))
	assert.True(t, p.Online("u1"), "still has one connection")
	assert.Equal(t, 0, p.Decrement("u1"))
	assert.False(t, p.Online("u1"))
	assert.Equal(t, 0, p.Decrement("ghost"))
	assert.Equal(t, 1, p.ActiveCount())
}

func TestMetricsObserveSweep(t *testing.T) {
	m := NewMetrics()
	m.IncConn()
	m.IncConn()
	m.DecConn()
	m.ObserveSweep(storage.SweepStats{Messages: 3, Users: 1})
	m.ObserveSweep(storage.SweepStats{Rooms: 2})

	snapshot := m.Snapshot()
	assert.EqualValues(t, 1, snapshot["active_connections"])
	assert.EqualValues(t, 2, snapshot["sweeps_total"])
	assert.EqualValues(t, 3, snapshot["swept_messages_total"])
	assert.EqualValues(t, 1, snapshot["swept_users_total"])
	assert.EqualValues(t, 2, snapshot["swept_rooms_total"])
}
