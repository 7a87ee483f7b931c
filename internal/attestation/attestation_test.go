package attestation

import (
	"context"
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/element"
	"sentryd/internal/firmware"
	"sentryd/internal/integrity"
	"sentryd/internal/logging"
	"sentryd/internal/store"
)

func newFixture(t *testing.T) (*Manager, *element.Manager, string) {
	t.Helper()

	data := make([]byte, 20*512)
	rand.New(rand.NewSource(7)).Read(data)
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	elem := element.NewManager(element.NewSoftElement("", store.NewMemory()), logging.Default())
	require.NoError(t, elem.Initialize(context.Background()))
	t.Cleanup(func() { elem.Close() })

	hash := func(b []byte) [element.DigestSize]byte { return sha256.Sum256(b) }
	img, err := firmware.LoadImage(path, 512, hash)
	require.NoError(t, err)
	verifier, err := integrity.NewVerifier(img, firmware.GenerateManifest(img), hash)
	require.NoError(t, err)

	return NewManager(elem, verifier, time.Minute, logging.Default()), elem, path
}

func TestAttestOnceProducesVerifiableReport(t *testing.T) {
	mgr, _, _ := newFixture(t)

	r, err := mgr.AttestOnce(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, r.Sequence)
	assert.True(t, r.IntegrityOK)
	assert.Equal(t, 20, r.ChunksTotal)
	assert.Equal(t, 20, r.ChunksVerified)
	assert.NotEmpty(t, r.Signature)
	assert.True(t, mgr.Verify(r, 0))
}

func TestAttestSequenceStrictlyIncreasing(t *testing.T) {
	mgr, _, _ := newFixture(t)

	var prev uint64
	for i := 0; i < 5; i++ {
		r, err := mgr.AttestOnce(context.Background())
		require.NoError(t, err)
		assert.Greater(t, r.Sequence, prev)
		assert.True(t, mgr.Verify(r, prev))
		prev = r.Sequence
	}
}

func TestAttestRefusesCorruptedFirmware(t *testing.T) {
	mgr, _, path := newFixture(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[300] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = mgr.AttestOnce(context.Background())
	require.ErrorIs(t, err, ErrAttestation)

	_, failed := mgr.Cycles()
	assert.Equal(t, uint64(1), failed)
	assert.Nil(t, mgr.Latest())
}

func TestVerifyRejectsTamperedReport(t *testing.T) {
	mgr, _, _ := newFixture(t)

	r, err := mgr.AttestOnce(context.Background())
	require.NoError(t, err)

	tampered := *r
	tampered.ChunksVerified = 19
	assert.False(t, mgr.Verify(&tampered, 0), "digest mismatch must fail")

	resigned := *r
	resigned.Signature = append([]byte(nil), r.Signature...)
	resigned.Signature[0] ^= 0xFF
	assert.False(t, mgr.Verify(&resigned, 0), "bad signature must fail")
}

func TestVerifyRejectsStaleSequence(t *testing.T) {
	mgr, _, _ := newFixture(t)

	r1, err := mgr.AttestOnce(context.Background())
	require.NoError(t, err)
	r2, err := mgr.AttestOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, mgr.Verify(r2, r1.Sequence))
	assert.False(t, mgr.Verify(r1, r2.Sequence), "replayed report must fail ordering check")
}

func TestAttestReusesFreshIntegrityReport(t *testing.T) {
	mgr, _, _ := newFixture(t)

	_, err := mgr.AttestOnce(context.Background())
	require.NoError(t, err)
	_, err = mgr.AttestOnce(context.Background())
	require.NoError(t, err)

	total, failed := mgr.Cycles()
	assert.Equal(t, uint64(2), total)
	assert.Zero(t, failed)
}
