//go:build linux

// Discrete secure-element variant backed by a TPM 2.0 chip.
// Uses /dev/tpmrm0 (resource manager) or /dev/tpm0 (direct access).

package element

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference.
var chipDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// NV indexes for sentryd monotonic counters.
// User-defined NV space: 0x01500000 - 0x01FFFFFF.
var chipCounterIndex = map[string]uint32{
	CounterFreshness: 0x01500011,
	CounterHeartbeat: 0x01500012,
}

const chipCounterSize = 8

// SecureChip implements Provider on a discrete TPM 2.0 secure element.
// The freshness counter lives in TPM NV storage and cannot be rolled back;
// signing uses an RSA key that never leaves the chip.
type SecureChip struct {
	devicePath string
	transport  transport.TPMCloser
	isOpen     bool

	signHandle tpm2.TPMHandle
	signPublic *rsa.PublicKey
	identity   DeviceIdentity

	countersInit map[string]bool
}

// DetectSecureChip probes for an accessible TPM device. Returns nil when
// no chip is present, letting composition fall back to the soft element.
func DetectSecureChip() *SecureChip {
	for _, path := range chipDevicePaths {
		if _, err := os.Stat(path); err == nil {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err == nil {
				f.Close()
				return &SecureChip{
					devicePath:   path,
					countersInit: make(map[string]bool),
				}
			}
		}
	}
	return nil
}

// Available reports whether the chip device exists and is accessible.
func (c *SecureChip) Available() bool {
	if c == nil || c.devicePath == "" {
		return false
	}
	_, err := os.Stat(c.devicePath)
	return err == nil
}

// Open connects to the chip, creates the device signing key, and reads the
// device identity from the endorsement hierarchy.
func (c *SecureChip) Open() error {
	if c.isOpen {
		return nil
	}

	t, err := transport.OpenTPM(c.devicePath)
	if err != nil {
		return fmt.Errorf("element: open %s: %w", c.devicePath, err)
	}
	c.transport = t
	c.isOpen = true

	if err := c.initializeSigningKey(); err != nil {
		c.transport.Close()
		c.isOpen = false
		return fmt.Errorf("element: signing key: %w", err)
	}
	if err := c.readIdentity(); err != nil {
		c.transport.Close()
		c.isOpen = false
		return fmt.Errorf("element: identity: %w", err)
	}
	return nil
}

// Close flushes loaded keys and releases the chip.
func (c *SecureChip) Close() error {
	if !c.isOpen {
		return nil
	}
	if c.signHandle != 0 {
		tpm2.FlushContext{FlushHandle: c.signHandle}.Execute(c.transport)
	}
	if c.transport != nil {
		c.transport.Close()
	}
	c.isOpen = false
	c.signHandle = 0
	return nil
}

// Identity returns the identity derived from the endorsement key.
func (c *SecureChip) Identity() (DeviceIdentity, error) {
	if !c.isOpen {
		return DeviceIdentity{}, ErrNotInitialized
	}
	return c.identity, nil
}

// RandomBytes draws n bytes from the chip's hardware RNG.
func (c *SecureChip) RandomBytes(n int) ([]byte, error) {
	if !c.isOpen {
		return nil, ErrNotInitialized
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		want := n - len(out)
		if want > 32 {
			want = 32
		}
		rsp, err := tpm2.GetRandom{BytesRequested: uint16(want)}.Execute(c.transport)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return nil, ErrEntropyUnavailable
		}
		out = append(out, rsp.RandomBytes.Buffer...)
	}
	return out[:n], nil
}

// Hash computes SHA-256 on the host core. Offloading per-chunk hashing to
// the chip would not hold the verification latency budget over I2C/SPI.
func (c *SecureChip) Hash(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// Sign signs the SHA-256 digest of data with the on-chip RSA key.
func (c *SecureChip) Sign(data []byte) ([]byte, error) {
	if !c.isOpen {
		return nil, ErrNotInitialized
	}

	digest := sha256.Sum256(data)
	signCmd := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: c.signHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest: tpm2.TPM2BDigest{Buffer: digest[:]},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgRSASSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}

	rsp, err := signCmd.Execute(c.transport)
	if err != nil {
		return nil, fmt.Errorf("element: tpm sign: %w", err)
	}

	rsaSig, err := rsp.Signature.Signature.RSASSA()
	if err != nil {
		return nil, fmt.Errorf("element: unexpected signature scheme: %w", err)
	}
	return rsaSig.Sig.Buffer, nil
}

// Verify checks an RSASSA signature over data against the chip public key.
func (c *SecureChip) Verify(data, sig []byte) bool {
	if !c.isOpen || c.signPublic == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(c.signPublic, crypto.SHA256, digest[:], sig) == nil
}

// IncrementCounter advances the named NV counter.
func (c *SecureChip) IncrementCounter(name string) (uint64, error) {
	if !c.isOpen {
		return 0, ErrNotInitialized
	}
	idx, ok := chipCounterIndex[name]
	if !ok {
		return 0, fmt.Errorf("element: unknown counter %q", name)
	}
	if err := c.ensureCounter(name, idx); err != nil {
		return 0, err
	}

	incrementCmd := tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(idx),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(idx),
	}
	if _, err := incrementCmd.Execute(c.transport); err != nil {
		return 0, fmt.Errorf("element: NV increment: %w", err)
	}
	return c.readCounter(idx)
}

// Counter returns the named NV counter value.
func (c *SecureChip) Counter(name string) (uint64, error) {
	if !c.isOpen {
		return 0, ErrNotInitialized
	}
	idx, ok := chipCounterIndex[name]
	if !ok {
		return 0, fmt.Errorf("element: unknown counter %q", name)
	}
	if err := c.ensureCounter(name, idx); err != nil {
		return 0, err
	}
	return c.readCounter(idx)
}

func (c *SecureChip) ensureCounter(name string, idx uint32) error {
	if c.countersInit[name] {
		return nil
	}

	readPubCmd := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(idx)}
	if _, err := readPubCmd.Execute(c.transport); err == nil {
		c.countersInit[name] = true
		return nil
	}

	defineCmd := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: nil},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    tpm2.TPMHandle(idx),
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{NT: tpm2.TPMNTCounter},
			DataSize:   chipCounterSize,
		}),
	}
	if _, err := defineCmd.Execute(c.transport); err != nil {
		return fmt.Errorf("element: NVDefineSpace: %w", err)
	}
	c.countersInit[name] = true
	return nil
}

func (c *SecureChip) readCounter(idx uint32) (uint64, error) {
	readCmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(idx),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(idx),
		Size:    chipCounterSize,
		Offset:  0,
	}
	rsp, err := readCmd.Execute(c.transport)
	if err != nil {
		return 0, fmt.Errorf("element: NVRead: %w", err)
	}
	if len(rsp.Data.Buffer) < 8 {
		return 0, errors.New("element: counter data too short")
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

// initializeSigningKey creates the device signing key under the owner
// hierarchy. The key is non-restricted so it can sign externally supplied
// measurement digests.
func (c *SecureChip) initializeSigningKey() error {
	createCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgRSA,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgRSASSA,
						Details: tpm2.NewTPMUAsymScheme(
							tpm2.TPMAlgRSASSA,
							&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
					KeyBits: 2048,
				},
			),
		}),
	}

	rsp, err := createCmd.Execute(c.transport)
	if err != nil {
		return fmt.Errorf("create signing key: %w", err)
	}
	c.signHandle = rsp.ObjectHandle

	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return fmt.Errorf("signing key public contents: %w", err)
	}
	rsaParms, err := pub.Parameters.RSADetail()
	if err != nil {
		return fmt.Errorf("RSA parameters: %w", err)
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		return fmt.Errorf("RSA unique: %w", err)
	}

	exponent := int(rsaParms.Exponent)
	if exponent == 0 {
		exponent = 65537
	}
	c.signPublic = &rsa.PublicKey{
		N: new(big.Int).SetBytes(rsaUnique.Buffer),
		E: exponent,
	}
	return nil
}

// readIdentity derives the device serial from the endorsement key and the
// hardware revision from the chip firmware version property.
func (c *SecureChip) readIdentity() error {
	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEKCmd.Execute(c.transport)
	if err != nil {
		return fmt.Errorf("create EK: %w", err)
	}
	defer func() {
		tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(c.transport)
	}()

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	sum := sha256.Sum256(pubBytes)
	c.identity.Serial = fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		sum[0], sum[1], sum[2], sum[3], sum[4], sum[5])

	getCapCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTFirmwareVersion1),
		PropertyCount: 1,
	}
	capRsp, err := getCapCmd.Execute(c.transport)
	if err == nil {
		props, err := capRsp.CapabilityData.Data.TPMProperties()
		if err == nil && len(props.TPMProperty) > 0 {
			c.identity.HardwareRev = props.TPMProperty[0].Value >> 16
		}
	}
	if c.identity.HardwareRev == 0 {
		c.identity.HardwareRev = 1
	}
	return nil
}

var _ Provider = (*SecureChip)(nil)
