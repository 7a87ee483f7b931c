// Package incident tracks the node's security state machine and records
// every transition as an incident.
//
// States move in one direction under attack: SECURE degrades to DEGRADED,
// DEGRADED or SECURE escalate to COMPROMISED, and COMPROMISED always locks.
// LOCKED is terminal; only DEGRADED can recover to SECURE, and only after
// both integrity and attestation have succeeded again.
package incident

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sentryd/internal/anomaly"
	"sentryd/internal/config"
	"sentryd/internal/logging"
	"sentryd/internal/notify"
	"sentryd/internal/store"
)

// State is the node security state.
type State int

const (
	StateInitializing State = iota
	StateSecure
	StateDegraded
	StateCompromised
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateSecure:
		return "SECURE"
	case StateDegraded:
		return "DEGRADED"
	case StateCompromised:
		return "COMPROMISED"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Severity grades an incident.
type Severity int

const (
	SeverityNotice Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Incident is one recorded state transition.
type Incident struct {
	Timestamp time.Time
	From      State
	To        State
	Kind      string
	Severity  Severity
	Detail    string
}

// Incident kinds.
const (
	KindStartup            = "startup"
	KindAnomaly            = "sensor_anomaly"
	KindIntegrityFailure   = "integrity_failure"
	KindAttestationFailure = "attestation_failure"
	KindRecovery           = "recovery"
	KindEscalation         = "escalation"
	KindTamperSignal       = "tamper_signal"
)

// Manager owns the state machine. All reporting methods are serialized;
// the monitor drives them from its single goroutine, tests from many.
type Manager struct {
	mu  sync.Mutex
	cfg config.IncidentConfig
	st  store.Store
	not notify.Notifier
	log *logging.Logger

	state       State
	history     []Incident
	retryBudget int

	attestFailures int
	recoveredInteg bool
	recoveredAtt   bool
}

// NewManager creates the state machine in INITIALIZING.
func NewManager(cfg config.IncidentConfig, st store.Store, not notify.Notifier, retryBudget int, log *logging.Logger) *Manager {
	if not == nil {
		not = notify.Nop{}
	}
	return &Manager{
		cfg:         cfg,
		st:          st,
		not:         not,
		log:         log,
		state:       StateInitializing,
		retryBudget: retryBudget,
	}
}

// State returns the current security state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Locked reports whether the node has reached the terminal state.
func (m *Manager) Locked() bool {
	return m.State() == StateLocked
}

// SystemReady moves INITIALIZING to SECURE once every component has
// initialized.
func (m *Manager) SystemReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitializing {
		return
	}
	m.transition(StateSecure, KindStartup, SeverityNotice, "all components initialized")
}

// ReportAnomaly degrades the node on a flagged sensor reading. Critical
// anomalies from an already degraded node escalate to COMPROMISED.
func (m *Manager) ReportAnomaly(a *anomaly.Anomaly) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateLocked || m.state == StateCompromised {
		return
	}

	detail := fmt.Sprintf("%s: %s", a.Kind, a.Detail)
	if m.state == StateDegraded && a.Severity >= anomaly.SeverityCritical {
		m.transition(StateCompromised, KindAnomaly, SeverityCritical, detail)
		return
	}
	if m.state == StateSecure || m.state == StateInitializing {
		m.transition(StateDegraded, KindAnomaly, SeverityWarning, detail)
		return
	}
	// Already degraded: record without a state change.
	m.record(Incident{
		Timestamp: time.Now(),
		From:      m.state,
		To:        m.state,
		Kind:      KindAnomaly,
		Severity:  SeverityWarning,
		Detail:    detail,
	})
}

// ReportIntegrityFailure escalates to COMPROMISED: corrupted firmware is
// never a degraded condition.
func (m *Manager) ReportIntegrityFailure(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLocked || m.state == StateCompromised {
		return
	}
	m.transition(StateCompromised, KindIntegrityFailure, SeverityCritical, detail)
}

// ReportIntegritySuccess feeds the recovery condition.
func (m *Manager) ReportIntegritySuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDegraded {
		return
	}
	m.recoveredInteg = true
	m.maybeRecover()
}

// ReportAttestationFailure degrades the node; exhausting the retry budget
// with consecutive failures escalates to COMPROMISED.
func (m *Manager) ReportAttestationFailure(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLocked || m.state == StateCompromised {
		return
	}

	m.attestFailures++
	m.recoveredAtt = false

	if m.attestFailures >= m.retryBudget {
		m.transition(StateCompromised, KindAttestationFailure, SeverityCritical,
			fmt.Sprintf("%d consecutive attestation failures: %s", m.attestFailures, detail))
		return
	}
	if m.state == StateSecure {
		m.transition(StateDegraded, KindAttestationFailure, SeverityWarning, detail)
		return
	}
	m.record(Incident{
		Timestamp: time.Now(),
		From:      m.state,
		To:        m.state,
		Kind:      KindAttestationFailure,
		Severity:  SeverityWarning,
		Detail:    detail,
	})
}

// ReportAttestationSuccess resets the failure budget and feeds recovery.
func (m *Manager) ReportAttestationSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attestFailures = 0
	if m.state != StateDegraded {
		return
	}
	m.recoveredAtt = true
	m.maybeRecover()
}

// ReportTamperSignal escalates on an external tamper indication such as an
// on-disk change to the protected image.
func (m *Manager) ReportTamperSignal(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLocked || m.state == StateCompromised {
		return
	}
	if m.state == StateSecure || m.state == StateInitializing {
		m.transition(StateDegraded, KindTamperSignal, SeverityWarning, detail)
		return
	}
	m.transition(StateCompromised, KindTamperSignal, SeverityCritical, detail)
}

// maybeRecover moves DEGRADED back to SECURE once both integrity and
// attestation have succeeded since degradation. Callers hold the lock.
func (m *Manager) maybeRecover() {
	if m.state != StateDegraded || !m.recoveredInteg || !m.recoveredAtt {
		return
	}
	m.transition(StateSecure, KindRecovery, SeverityNotice, "integrity and attestation verified")
}

// transition applies a state change, records the incident, and enforces
// the mandatory COMPROMISED to LOCKED escalation. Callers hold the lock.
func (m *Manager) transition(to State, kind string, sev Severity, detail string) {
	from := m.state
	m.state = to

	if to == StateDegraded {
		m.recoveredInteg = false
		m.recoveredAtt = false
	}

	m.record(Incident{
		Timestamp: time.Now(),
		From:      from,
		To:        to,
		Kind:      kind,
		Severity:  sev,
		Detail:    detail,
	})

	if to == StateCompromised {
		m.snapshot(detail)
		m.state = StateLocked
		m.record(Incident{
			Timestamp: time.Now(),
			From:      StateCompromised,
			To:        StateLocked,
			Kind:      KindEscalation,
			Severity:  SeverityCritical,
			Detail:    "node locked after compromise",
		})
	}
}

// record logs, persists, and broadcasts one incident. Callers hold the lock.
func (m *Manager) record(inc Incident) {
	m.history = append(m.history, inc)
	if max := m.cfg.HistorySize; max > 0 && len(m.history) > max {
		m.history = m.history[len(m.history)-max:]
	}

	if inc.From != inc.To {
		m.log.Warn("security state transition",
			"from", inc.From.String(),
			"to", inc.To.String(),
			"kind", inc.Kind,
			"severity", inc.Severity.String(),
			"detail", inc.Detail,
		)
	} else {
		m.log.Info("incident recorded",
			"state", inc.To.String(),
			"kind", inc.Kind,
			"detail", inc.Detail,
		)
	}

	if m.st != nil {
		err := m.st.RecordIncident(store.IncidentRecord{
			Timestamp: inc.Timestamp,
			FromState: inc.From.String(),
			ToState:   inc.To.String(),
			Kind:      inc.Kind,
			Severity:  inc.Severity.String(),
			Detail:    inc.Detail,
		})
		if err != nil {
			m.log.Error("persist incident", "error", err)
		}
	}

	if err := m.not.Incident(notify.Event{
		Timestamp: inc.Timestamp,
		FromState: inc.From.String(),
		ToState:   inc.To.String(),
		Kind:      inc.Kind,
		Severity:  inc.Severity.String(),
		Detail:    inc.Detail,
	}); err != nil {
		m.log.Error("broadcast incident", "error", err)
	}
}

// snapshot captures the emergency snapshot on compromise. Callers hold the
// lock.
func (m *Manager) snapshot(trigger string) {
	payload, err := json.Marshal(struct {
		Timestamp time.Time  `json:"timestamp"`
		Trigger   string     `json:"trigger"`
		Incidents []Incident `json:"incidents"`
	}{
		Timestamp: time.Now(),
		Trigger:   trigger,
		Incidents: m.history,
	})
	if err != nil {
		m.log.Error("encode snapshot", "error", err)
		return
	}

	if m.st != nil {
		if err := m.st.WriteSnapshot(payload); err != nil {
			m.log.Error("store snapshot", "error", err)
		}
	}
	if m.cfg.SnapshotPath != "" {
		if err := writeSnapshotFile(m.cfg.SnapshotPath, payload); err != nil {
			m.log.Error("write snapshot file", "error", err)
		}
	}
}

// History returns a copy of the retained incidents, oldest first.
func (m *Manager) History() []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Incident, len(m.history))
	copy(out, m.history)
	return out
}

// AttestationFailures returns the consecutive failure count.
func (m *Manager) AttestationFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attestFailures
}
