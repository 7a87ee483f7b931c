//go:build !linux

package element

// SecureChip requires a TPM device node, which only exists on Linux.
type SecureChip struct{}

// DetectSecureChip always returns nil off Linux; composition falls back to
// the soft element.
func DetectSecureChip() *SecureChip { return nil }

func (c *SecureChip) Available() bool                            { return false }
func (c *SecureChip) Open() error                                { return ErrCryptoInit }
func (c *SecureChip) Close() error                               { return nil }
func (c *SecureChip) Identity() (DeviceIdentity, error)          { return DeviceIdentity{}, ErrNotInitialized }
func (c *SecureChip) RandomBytes(n int) ([]byte, error)          { return nil, ErrNotInitialized }
func (c *SecureChip) Hash(data []byte) [DigestSize]byte          { var d [DigestSize]byte; return d }
func (c *SecureChip) Sign(data []byte) ([]byte, error)           { return nil, ErrNotInitialized }
func (c *SecureChip) Verify(data, sig []byte) bool               { return false }
func (c *SecureChip) IncrementCounter(name string) (uint64, error) { return 0, ErrNotInitialized }
func (c *SecureChip) Counter(name string) (uint64, error)          { return 0, ErrNotInitialized }

var _ Provider = (*SecureChip)(nil)
