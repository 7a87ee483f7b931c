// Package attestation produces signed local attestations binding the device
// identity, a hardware-backed freshness counter, and the latest firmware
// integrity result into a verifiable report chain.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentryd/internal/element"
	"sentryd/internal/integrity"
	"sentryd/internal/logging"
)

// ErrAttestation reports a failed attestation cycle: a corrupted firmware
// state, a freshness counter fault, or a signing failure.
var ErrAttestation = errors.New("attestation: cycle failed")

// reportMagic and reportVersion pin the canonical encoding.
const (
	reportMagic   = 0x53454e54 // "SENT"
	reportVersion = 1
)

// Report is one signed attestation. The signature covers the canonical
// binary encoding of every field above it.
type Report struct {
	Sequence     uint64
	DeviceSerial string
	HardwareRev  uint32
	Timestamp    time.Time
	Nonce        [16]byte

	IntegrityOK     bool
	ImageDigest     [element.DigestSize]byte
	ChunksTotal     int
	ChunksVerified  int
	ChunksCorrupted int

	Digest    [element.DigestSize]byte
	Signature []byte
}

// Manager runs attestation cycles against the crypto element and the
// integrity verifier.
type Manager struct {
	mu       sync.Mutex
	element  *element.Manager
	verifier *integrity.Verifier
	log      *logging.Logger

	maxReportAge time.Duration

	lastSequence uint64
	cycles       uint64
	failures     uint64
	latest       *Report
}

// NewManager creates an attestation manager. maxReportAge bounds how stale
// an integrity report may be before a cycle forces a fresh verification.
func NewManager(elem *element.Manager, verifier *integrity.Verifier, maxReportAge time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		element:      elem,
		verifier:     verifier,
		log:          log,
		maxReportAge: maxReportAge,
	}
}

// AttestOnce runs one attestation cycle: obtain a fresh-enough integrity
// report, advance the freshness counter, and sign the canonical encoding.
// A corrupted firmware state refuses attestation rather than signing over
// a bad measurement.
func (m *Manager) AttestOnce(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++

	ir := m.verifier.Latest()
	if ir == nil || time.Since(ir.Timestamp) > m.maxReportAge {
		var err error
		ir, err = m.verifier.VerifyFull(ctx)
		if err != nil {
			m.failures++
			return nil, fmt.Errorf("%w: verification: %v", ErrAttestation, err)
		}
	}

	if ir.Status != integrity.StatusOK {
		m.failures++
		return nil, fmt.Errorf("%w: firmware corrupted (%d chunk(s))", ErrAttestation, ir.Corrupted)
	}

	identity := m.element.Identity()

	seq, err := m.element.IncrementFreshness()
	if err != nil {
		m.failures++
		return nil, fmt.Errorf("%w: freshness counter: %v", ErrAttestation, err)
	}
	if m.lastSequence != 0 && seq <= m.lastSequence {
		m.failures++
		return nil, fmt.Errorf("%w: freshness counter not monotonic (%d after %d)", ErrAttestation, seq, m.lastSequence)
	}

	nonce, err := m.element.RandomBytes(len(Report{}.Nonce))
	if err != nil {
		m.failures++
		return nil, fmt.Errorf("%w: nonce: %v", ErrAttestation, err)
	}

	imgDigest, err := m.verifier.ImageDigest()
	if err != nil {
		m.failures++
		return nil, fmt.Errorf("%w: %v", ErrAttestation, err)
	}

	r := &Report{
		Sequence:        seq,
		DeviceSerial:    identity.Serial,
		HardwareRev:     identity.HardwareRev,
		Timestamp:       time.Now(),
		IntegrityOK:     true,
		ImageDigest:     imgDigest,
		ChunksTotal:     ir.Total,
		ChunksVerified:  ir.Verified,
		ChunksCorrupted: ir.Corrupted,
	}
	copy(r.Nonce[:], nonce)

	r.Digest = computeReportDigest(r)
	sig, err := m.element.Sign(r.Digest[:])
	if err != nil {
		m.failures++
		return nil, fmt.Errorf("%w: %v", ErrAttestation, err)
	}
	r.Signature = sig

	m.lastSequence = seq
	m.latest = r
	return r, nil
}

// computeReportDigest hashes the canonical encoding of the report fields.
func computeReportDigest(r *Report) [element.DigestSize]byte {
	h := sha256.New()
	binary.Write(h, binary.BigEndian, uint32(reportMagic))
	binary.Write(h, binary.BigEndian, uint16(reportVersion))
	binary.Write(h, binary.BigEndian, r.Sequence)
	binary.Write(h, binary.BigEndian, r.HardwareRev)
	h.Write([]byte(r.DeviceSerial))
	binary.Write(h, binary.BigEndian, r.Timestamp.UnixNano())
	h.Write(r.Nonce[:])
	binary.Write(h, binary.BigEndian, r.IntegrityOK)
	h.Write(r.ImageDigest[:])
	binary.Write(h, binary.BigEndian, uint32(r.ChunksTotal))
	binary.Write(h, binary.BigEndian, uint32(r.ChunksVerified))
	binary.Write(h, binary.BigEndian, uint32(r.ChunksCorrupted))

	var digest [element.DigestSize]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Verify recomputes the report digest and checks the signature with the
// device element. It also rejects reports whose sequence does not advance
// past prev (0 skips the ordering check).
func (m *Manager) Verify(r *Report, prev uint64) bool {
	if r == nil || len(r.Signature) == 0 {
		return false
	}
	if prev != 0 && r.Sequence <= prev {
		return false
	}
	digest := computeReportDigest(r)
	if digest != r.Digest {
		return false
	}
	return m.element.Verify(digest[:], r.Signature)
}

// Latest returns the most recent successful report, or nil.
func (m *Manager) Latest() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Cycles returns the number of attempted and failed cycles.
func (m *Manager) Cycles() (total, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles, m.failures
}
