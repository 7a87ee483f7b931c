package element

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"sentryd/internal/logging"
)

// Known-answer vector for the hash self-test: SHA-256("abc").
var (
	selfTestInput  = []byte("abc")
	selfTestDigest = mustHex("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Manager owns the security element. The hardware unit is a singleton and
// not reentrant, so every operation takes the manager's lock; callers from
// asynchronous contexts must go through Manager rather than the Provider.
type Manager struct {
	mu          sync.Mutex
	provider    Provider
	identity    DeviceIdentity
	initialized bool
	log         *logging.Logger
}

// NewManager wraps a provider. Initialize must be called before use.
func NewManager(p Provider, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{provider: p, log: log.WithComponent("element")}
}

// Initialize discovers and activates the element, reads the device
// identity, and runs the power-on self-test. Returns ErrCryptoInit if the
// hardware is absent or the self-test mismatches.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.provider == nil || !m.provider.Available() {
		return fmt.Errorf("%w: no provider present", ErrCryptoInit)
	}
	if err := m.provider.Open(); err != nil {
		return fmt.Errorf("%w: open: %v", ErrCryptoInit, err)
	}

	id, err := m.provider.Identity()
	if err != nil {
		m.provider.Close()
		return fmt.Errorf("%w: identity: %v", ErrCryptoInit, err)
	}
	m.identity = id

	if err := m.selfTestLocked(); err != nil {
		m.provider.Close()
		return err
	}

	m.initialized = true
	m.log.Info("element initialized", "device", id.Serial, "hardware_rev", id.HardwareRev)
	return nil
}

// selfTestLocked runs the known-answer hash test and a sign/verify round
// trip. Caller must hold the lock.
func (m *Manager) selfTestLocked() error {
	digest := m.provider.Hash(selfTestInput)
	if subtle.ConstantTimeCompare(digest[:], selfTestDigest) != 1 {
		return fmt.Errorf("%w: hash known-answer mismatch", ErrCryptoInit)
	}

	payload := bytes.Repeat([]byte{0xA5}, 48)
	sig, err := m.provider.Sign(payload)
	if err != nil {
		return fmt.Errorf("%w: self-test sign: %v", ErrCryptoInit, err)
	}
	if !m.provider.Verify(payload, sig) {
		return fmt.Errorf("%w: self-test signature did not verify", ErrCryptoInit)
	}
	return nil
}

// SelfTest re-runs the self-test on an initialized element.
func (m *Manager) SelfTest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return m.selfTestLocked()
}

// Identity returns the device identity read at initialization.
func (m *Manager) Identity() DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// RandomBytes returns n bytes from the element's true-random source.
func (m *Manager) RandomBytes(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return m.provider.RandomBytes(n)
}

// Hash computes the element digest of data.
func (m *Manager) Hash(data []byte) [DigestSize]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider.Hash(data)
}

// Sign signs data with the device key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	sig, err := m.provider.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return sig, nil
}

// Verify checks a signature produced by this device.
func (m *Manager) Verify(data, sig []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return false
	}
	return m.provider.Verify(data, sig)
}

// IncrementFreshness advances and returns the monotonic freshness counter.
func (m *Manager) IncrementFreshness() (uint64, error) {
	return m.IncrementCounter(CounterFreshness)
}

// IncrementCounter advances and returns the named monotonic counter.
func (m *Manager) IncrementCounter(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, ErrNotInitialized
	}
	return m.provider.IncrementCounter(name)
}

// Counter returns the named counter without advancing it.
func (m *Manager) Counter(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, ErrNotInitialized
	}
	return m.provider.Counter(name)
}

// Close releases the element.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	m.initialized = false
	return m.provider.Close()
}
