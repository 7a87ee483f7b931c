package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/element"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "sentryd.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteIdentityFirstWriteWins(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.LoadIdentity()
	require.NoError(t, err)
	assert.False(t, ok)

	first := element.DeviceIdentity{Serial: "aa:bb:cc:dd:ee:ff", HardwareRev: 3}
	require.NoError(t, st.SaveIdentity(first))

	// A later save must not overwrite the provisioned identity.
	require.NoError(t, st.SaveIdentity(element.DeviceIdentity{Serial: "00:11:22:33:44:55", HardwareRev: 9}))

	id, ok, err := st.LoadIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, id)
}

func TestSQLiteCounterMonotonic(t *testing.T) {
	st := openTestStore(t)

	v, err := st.Counter(element.CounterFreshness)
	require.NoError(t, err)
	assert.Zero(t, v, "unused counter reads as zero")

	var prev uint64
	for i := 0; i < 10; i++ {
		v, err := st.NextCounter(element.CounterFreshness)
		require.NoError(t, err)
		assert.Equal(t, prev+1, v)
		prev = v
	}

	v, err = st.Counter(element.CounterFreshness)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	// Independent counters do not interfere.
	v, err = st.NextCounter(element.CounterHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestSQLiteCounterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.db")

	st, err := Open(path, 5*time.Second)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := st.NextCounter(element.CounterFreshness)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st, err = Open(path, 5*time.Second)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.NextCounter(element.CounterFreshness)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v, "counter must continue across restarts")
}

func TestSQLiteIncidentsNewestFirst(t *testing.T) {
	st := openTestStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.RecordIncident(IncidentRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			FromState: "SECURE",
			ToState:   "DEGRADED",
			Kind:      "sensor_anomaly",
			Severity:  "warning",
			Detail:    fmt.Sprintf("incident %d", i),
		}))
	}

	recs, err := st.Incidents(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "incident 4", recs[0].Detail)
	assert.Equal(t, "incident 3", recs[1].Detail)
	assert.Equal(t, "incident 2", recs[2].Detail)
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	st := openTestStore(t)

	payload, err := json.Marshal(map[string]string{"trigger": "chunk 42 corrupted"})
	require.NoError(t, err)
	require.NoError(t, st.WriteSnapshot(payload))
}

func TestMemoryIdentityFirstWriteWins(t *testing.T) {
	m := NewMemory()

	first := element.DeviceIdentity{Serial: "aa:bb:cc:dd:ee:ff", HardwareRev: 1}
	require.NoError(t, m.SaveIdentity(first))
	require.NoError(t, m.SaveIdentity(element.DeviceIdentity{Serial: "other", HardwareRev: 2}))

	id, ok, err := m.LoadIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, id)
}

func TestMemoryCountersAndIncidents(t *testing.T) {
	m := NewMemory()

	for i := 1; i <= 3; i++ {
		v, err := m.NextCounter(element.CounterFreshness)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v)
	}

	require.NoError(t, m.RecordIncident(IncidentRecord{Detail: "first"}))
	require.NoError(t, m.RecordIncident(IncidentRecord{Detail: "second"}))

	recs, err := m.Incidents(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Detail)

	require.NoError(t, m.WriteSnapshot([]byte(`{}`)))
	assert.Len(t, m.Snapshots(), 1)
}
