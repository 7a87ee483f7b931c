package incident

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/anomaly"
	"sentryd/internal/config"
	"sentryd/internal/logging"
	"sentryd/internal/notify"
	"sentryd/internal/store"
)

// captureNotifier records broadcast events.
type captureNotifier struct {
	events []notify.Event
}

func (c *captureNotifier) Incident(ev notify.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *store.Memory, *captureNotifier) {
	t.Helper()
	st := store.NewMemory()
	not := &captureNotifier{}
	m := NewManager(config.IncidentConfig{HistorySize: 64}, st, not, 3, logging.Default())
	return m, st, not
}

func anomalyOf(kind anomaly.Kind, sev anomaly.Severity) *anomaly.Anomaly {
	return &anomaly.Anomaly{
		Kind:      kind,
		Severity:  sev,
		Score:     1.0,
		Detail:    "test anomaly",
		Timestamp: time.Now(),
	}
}

func TestStartupTransition(t *testing.T) {
	m, st, not := newTestManager(t)
	assert.Equal(t, StateInitializing, m.State())

	m.SystemReady()
	assert.Equal(t, StateSecure, m.State())

	recs, err := st.Incidents(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "INITIALIZING", recs[0].FromState)
	assert.Equal(t, "SECURE", recs[0].ToState)
	assert.Len(t, not.events, 1)
}

func TestAnomalyDegrades(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	assert.Equal(t, StateDegraded, m.State())
}

func TestCriticalAnomalyWhileDegradedCompromises(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	require.Equal(t, StateDegraded, m.State())

	m.ReportAnomaly(anomalyOf(anomaly.KindOutOfRange, anomaly.SeverityCritical))
	assert.Equal(t, StateLocked, m.State(), "compromise must escalate to locked")
}

func TestIntegrityFailureLocksNode(t *testing.T) {
	m, st, _ := newTestManager(t)
	m.SystemReady()

	m.ReportIntegrityFailure("2 of 100 chunks corrupted")
	assert.Equal(t, StateLocked, m.State())

	recs, err := st.Incidents(10)
	require.NoError(t, err)
	// startup, compromise, escalation to locked.
	require.Len(t, recs, 3)
	assert.Equal(t, "LOCKED", recs[0].ToState)
	assert.Equal(t, "COMPROMISED", recs[1].ToState)
}

func TestAttestationRetryBudget(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAttestationFailure("counter stalled")
	assert.Equal(t, StateDegraded, m.State())
	assert.Equal(t, 1, m.AttestationFailures())

	m.ReportAttestationFailure("counter stalled")
	assert.Equal(t, StateDegraded, m.State())

	m.ReportAttestationFailure("counter stalled")
	assert.Equal(t, StateLocked, m.State(), "third consecutive failure exhausts the budget")
}

func TestAttestationSuccessResetsBudget(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAttestationFailure("transient")
	m.ReportAttestationFailure("transient")
	require.Equal(t, 2, m.AttestationFailures())

	m.ReportAttestationSuccess()
	assert.Zero(t, m.AttestationFailures())

	// The budget restarts; two more failures stay short of compromise.
	m.ReportAttestationFailure("transient")
	m.ReportAttestationFailure("transient")
	assert.Equal(t, StateDegraded, m.State())
}

func TestRecoveryRequiresBothSignals(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	require.Equal(t, StateDegraded, m.State())

	m.ReportIntegritySuccess()
	assert.Equal(t, StateDegraded, m.State(), "integrity alone must not recover")

	m.ReportAttestationSuccess()
	assert.Equal(t, StateSecure, m.State(), "both signals recover the node")
}

func TestRecoveryFlagsResetOnRedegradation(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	m.ReportIntegritySuccess()

	// Degrade again: the earlier integrity success must not count.
	m.ReportAttestationSuccess()
	require.Equal(t, StateSecure, m.State())
	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	require.Equal(t, StateDegraded, m.State())

	m.ReportAttestationSuccess()
	assert.Equal(t, StateDegraded, m.State())
	m.ReportIntegritySuccess()
	assert.Equal(t, StateSecure, m.State())
}

func TestLockedIsTerminal(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()
	m.ReportIntegrityFailure("corrupted")
	require.Equal(t, StateLocked, m.State())

	m.ReportIntegritySuccess()
	m.ReportAttestationSuccess()
	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))
	m.ReportTamperSignal("image changed")
	assert.Equal(t, StateLocked, m.State())
}

func TestTamperSignalFromSecureDegrades(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SystemReady()

	m.ReportTamperSignal("firmware image changed on disk")
	assert.Equal(t, StateDegraded, m.State())

	// A second tamper signal while degraded escalates.
	m.ReportTamperSignal("firmware image changed on disk")
	assert.Equal(t, StateLocked, m.State())
}

func TestSnapshotOnCompromise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	st := store.NewMemory()
	m := NewManager(config.IncidentConfig{HistorySize: 64, SnapshotPath: path}, st, nil, 3, logging.Default())
	m.SystemReady()

	m.ReportIntegrityFailure("chunk 42 corrupted")

	require.Len(t, st.Snapshots(), 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap struct {
		Trigger   string     `json:"trigger"`
		Incidents []Incident `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap.Trigger, "chunk 42")
	assert.NotEmpty(t, snap.Incidents)
}

func TestHistoryCap(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(config.IncidentConfig{HistorySize: 4}, st, nil, 100, logging.Default())
	m.SystemReady()
	m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityHigh))

	for i := 0; i < 20; i++ {
		m.ReportAnomaly(anomalyOf(anomaly.KindSpike, anomaly.SeverityLow))
	}
	assert.Len(t, m.History(), 4)
}
