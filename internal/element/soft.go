package element

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
)

// SoftElement emulates the integrated MCU crypto unit in software: Ed25519
// device keys, SHA-256 hashing, and entropy from the OS random source.
// Identity and monotonic counters persist through a State so that a restart
// never resets the freshness counter.
type SoftElement struct {
	mu    sync.Mutex
	state State

	keyPath string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey

	identity DeviceIdentity
	open     bool
}

// NewSoftElement creates a software element. keyPath points at the device
// signing key (raw 32-byte seed, raw 64-byte key, or OpenSSH format); when
// empty or missing an ephemeral key is generated, which is suitable for
// tests only.
func NewSoftElement(keyPath string, state State) *SoftElement {
	return &SoftElement{keyPath: keyPath, state: state}
}

// Available reports whether the element can be activated. The software
// variant is always reachable.
func (s *SoftElement) Available() bool { return true }

// Open loads the device key and resolves the persisted identity.
func (s *SoftElement) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	priv, err := s.loadOrGenerateKey()
	if err != nil {
		return fmt.Errorf("element: device key: %w", err)
	}
	s.priv = priv
	s.pub = priv.Public().(ed25519.PublicKey)

	id, err := s.resolveIdentity()
	if err != nil {
		return err
	}
	s.identity = id
	s.open = true
	return nil
}

func (s *SoftElement) loadOrGenerateKey() (ed25519.PrivateKey, error) {
	if s.keyPath != "" {
		if _, err := os.Stat(s.keyPath); err == nil {
			return LoadSigningKey(s.keyPath)
		}
	}
	seed := make([]byte, ed25519.SeedSize)
	if err := readEntropy(seed); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// resolveIdentity loads the persisted identity, or derives one from the
// device public key on first activation and persists it.
func (s *SoftElement) resolveIdentity() (DeviceIdentity, error) {
	if s.state != nil {
		id, ok, err := s.state.LoadIdentity()
		if err != nil {
			return DeviceIdentity{}, fmt.Errorf("element: load identity: %w", err)
		}
		if ok {
			return id, nil
		}
	}

	sum := sha256.Sum256(s.pub)
	id := DeviceIdentity{
		Serial:      fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", sum[0], sum[1], sum[2], sum[3], sum[4], sum[5]),
		HardwareRev: 1,
	}
	if s.state != nil {
		if err := s.state.SaveIdentity(id); err != nil {
			return DeviceIdentity{}, fmt.Errorf("element: save identity: %w", err)
		}
	}
	return id, nil
}

// Close releases the element and drops key material references.
func (s *SoftElement) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.priv = nil
	s.pub = nil
	return nil
}

// Identity returns the device identity.
func (s *SoftElement) Identity() (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return DeviceIdentity{}, ErrNotInitialized
	}
	return s.identity, nil
}

// RandomBytes fills n bytes from the OS random source without a weak fallback.
func (s *SoftElement) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := readEntropy(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash computes SHA-256 over data.
func (s *SoftElement) Hash(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// Sign signs data with the device Ed25519 key.
func (s *SoftElement) Sign(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotInitialized
	}
	return ed25519.Sign(s.priv, data), nil
}

// Verify checks an Ed25519 signature over data.
func (s *SoftElement) Verify(data, sig []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

// PublicKey returns the device public key for external verification.
func (s *SoftElement) PublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub
}

// IncrementCounter advances the named persistent counter.
func (s *SoftElement) IncrementCounter(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, ErrNotInitialized
	}
	if s.state == nil {
		return 0, fmt.Errorf("element: no counter state configured")
	}
	return s.state.NextCounter(name)
}

// Counter returns the named counter value.
func (s *SoftElement) Counter(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, ErrNotInitialized
	}
	if s.state == nil {
		return 0, fmt.Errorf("element: no counter state configured")
	}
	return s.state.Counter(name)
}

var _ Provider = (*SoftElement)(nil)
