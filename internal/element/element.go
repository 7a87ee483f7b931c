// Package element abstracts the hardware security element backing sentryd.
//
// Two real-world variants exist behind one capability-set interface: an
// integrated MCU crypto unit (SoftElement, software-backed with OS entropy)
// and a discrete secure-element chip (SecureChip, TPM 2.0 backed). The
// verifier and attestor never learn which variant serves them; selection
// happens at composition time in cmd/sentryd.
//
// The element is a singleton, non-reentrant hardware resource. All access
// goes through Manager, which serializes callers.
package element

import (
	"errors"
	"fmt"
)

// Element errors.
var (
	ErrCryptoInit         = errors.New("element: hardware capability unavailable or self-test failed")
	ErrEntropyUnavailable = errors.New("element: entropy source not ready")
	ErrSigning            = errors.New("element: signing failed")
	ErrNotInitialized     = errors.New("element: not initialized")
)

// DigestSize is the size of all element digests (SHA-256).
const DigestSize = 32

// DeviceIdentity is the immutable identity of the device, read once from
// the element at initialization and bound into every attestation report.
type DeviceIdentity struct {
	// Serial is the device serial in colon-separated hex form (AA:BB:...).
	Serial string `json:"serial"`

	// HardwareRev is the hardware revision reported by the element.
	HardwareRev uint32 `json:"hardware_rev"`
}

func (id DeviceIdentity) String() string {
	return fmt.Sprintf("%s/r%d", id.Serial, id.HardwareRev)
}

// Provider is the capability set exposed by a security element.
//
// Implementations are not required to be safe for concurrent use; Manager
// provides the exclusive-access discipline the hardware demands.
type Provider interface {
	// Available reports whether the backing hardware can be reached.
	Available() bool

	// Open activates the element. Must be called before other operations.
	Open() error

	// Close releases the element.
	Close() error

	// Identity returns the device identity held by the element.
	Identity() (DeviceIdentity, error)

	// RandomBytes fills n bytes from the element's true-random source.
	// Returns ErrEntropyUnavailable if the source is not ready; there is
	// no fallback to a weaker source.
	RandomBytes(n int) ([]byte, error)

	// Hash computes the SHA-256 digest of data. Deterministic, no side effects.
	Hash(data []byte) [DigestSize]byte

	// Sign signs data with the device private key. The key never leaves
	// the element boundary.
	Sign(data []byte) ([]byte, error)

	// Verify checks a signature produced by Sign.
	Verify(data, sig []byte) bool

	// IncrementCounter atomically increments and returns the named
	// monotonic counter. Counters persist across restarts.
	IncrementCounter(name string) (uint64, error)

	// Counter returns the current value of the named counter.
	Counter(name string) (uint64, error)
}

// State persists the durable values owned by a software-backed element:
// the device identity and its monotonic counters. The discrete chip keeps
// these in NV storage instead.
type State interface {
	LoadIdentity() (DeviceIdentity, bool, error)
	SaveIdentity(DeviceIdentity) error
	NextCounter(name string) (uint64, error)
	Counter(name string) (uint64, error)
}

// Well-known counter names.
const (
	CounterFreshness = "freshness"
	CounterHeartbeat = "heartbeat"
)
