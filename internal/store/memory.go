package store

import (
	"sync"
	"time"

	"sentryd/internal/element"
)

// Memory is an in-process store for tests and the "memory" storage type.
// Counters survive the process only, so freshness monotonicity holds
// within a run but not across restarts; deployments use SQLite.
type Memory struct {
	mu        sync.Mutex
	identity  element.DeviceIdentity
	hasID     bool
	counters  map[string]uint64
	incidents []IncidentRecord
	snapshots [][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]uint64)}
}

func (m *Memory) LoadIdentity() (element.DeviceIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.hasID, nil
}

func (m *Memory) SaveIdentity(id element.DeviceIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasID {
		m.identity = id
		m.hasID = true
	}
	return nil
}

func (m *Memory) NextCounter(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return m.counters[name], nil
}

func (m *Memory) Counter(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name], nil
}

func (m *Memory) RecordIncident(rec IncidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.ID = int64(len(m.incidents) + 1)
	m.incidents = append(m.incidents, rec)
	return nil
}

func (m *Memory) Incidents(limit int) ([]IncidentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IncidentRecord, 0, limit)
	for i := len(m.incidents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.incidents[i])
	}
	return out, nil
}

func (m *Memory) WriteSnapshot(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.snapshots = append(m.snapshots, cp)
	return nil
}

// Snapshots returns the stored snapshot payloads (test helper).
func (m *Memory) Snapshots() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
