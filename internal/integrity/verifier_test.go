package integrity

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
)

func sha(b []byte) [element.DigestSize]byte { return sha256.Sum256(b) }

// buildVerifier writes an image of n chunks of chunkSize bytes plus tail
// extra bytes, generates its manifest, and returns the verifier with the
// image path.
func buildVerifier(t *testing.T, n, chunkSize, tail int) (*Verifier, string) {
	t.Helper()
	data := make([]byte, n*chunkSize+tail)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)

	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, err := firmware.LoadImage(path, chunkSize, sha)
	require.NoError(t, err)
	m := firmware.GenerateManifest(img)

	v, err := NewVerifier(img, m, sha)
	require.NoError(t, err)
	return v, path
}

func corruptByte(t *testing.T, path string, offset int) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[offset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestVerifyFullIntactImage(t *testing.T) {
	v, _ := buildVerifier(t, 100, 1024, 0)

	r, err := v.VerifyFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, 100, r.Total)
	assert.Equal(t, 100, r.Verified)
	assert.Equal(t, 0, r.Corrupted)
	assert.Empty(t, r.CorruptedChunks)
	assert.Less(t, r.Elapsed, 200*time.Millisecond)
}

func TestVerifyFullDetectsSingleCorruptChunk(t *testing.T) {
	v, path := buildVerifier(t, 100, 1024, 0)

	// Flip one byte inside chunk 42.
	corruptByte(t, path, 42*1024+100)

	r, err := v.VerifyFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCorrupted, r.Status)
	assert.Equal(t, 100, r.Total)
	assert.Equal(t, 99, r.Verified)
	assert.Equal(t, 1, r.Corrupted)
	assert.Equal(t, []int{42}, r.CorruptedChunks)
}

func TestVerifyFullNeverAbortsEarly(t *testing.T) {
	v, path := buildVerifier(t, 50, 512, 0)

	// Corrupt the first chunk; the pass must still visit all 50.
	corruptByte(t, path, 10)

	r, err := v.VerifyFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, r.Total)
	assert.Equal(t, r.Total, r.Verified+r.Corrupted)
	assert.Equal(t, 49, r.Verified)
}

func TestVerifyFullCountsStayExactPastReportCap(t *testing.T) {
	v, path := buildVerifier(t, 40, 512, 0)

	// Corrupt more chunks than the report carries IDs for.
	for i := 0; i < 20; i++ {
		corruptByte(t, path, i*512+7)
	}

	r, err := v.VerifyFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, r.Corrupted)
	assert.Len(t, r.CorruptedChunks, MaxReportedChunks)
	assert.Equal(t, r.Total, r.Verified+r.Corrupted)
}

func TestVerifyIncrementalRoundRobinCoverage(t *testing.T) {
	v, _ := buildVerifier(t, 10, 512, 0)

	// Four bursts of 3 wrap past the end and revisit chunk 0.
	seen := 0
	for i := 0; i < 4; i++ {
		r, err := v.VerifyIncremental(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, 3, r.Total)
		assert.Equal(t, 3, r.Verified)
		seen += r.Total
	}
	assert.Equal(t, 12, seen)
}

func TestVerifyIncrementalFindsCorruption(t *testing.T) {
	v, path := buildVerifier(t, 10, 512, 0)
	corruptByte(t, path, 5*512+1)

	found := false
	for i := 0; i < 5 && !found; i++ {
		r, err := v.VerifyIncremental(context.Background(), 2)
		require.NoError(t, err)
		if r.Corrupted > 0 {
			assert.Equal(t, []int{5}, r.CorruptedChunks)
			found = true
		}
	}
	assert.True(t, found, "incremental sweep never reached the corrupted chunk")
	assert.True(t, v.Corrupted())
}

func TestVerifierTracksRepairAcrossPasses(t *testing.T) {
	v, path := buildVerifier(t, 8, 512, 0)

	original, err := os.ReadFile(path)
	require.NoError(t, err)

	corruptByte(t, path, 3*512)
	r, err := v.VerifyFull(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCorrupted, r.Status)

	// Restore the image; the next pass clears the corrupted set.
	require.NoError(t, os.WriteFile(path, original, 0o644))
	r, err = v.VerifyFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
	assert.False(t, v.Corrupted())
}

func TestVerifierStats(t *testing.T) {
	v, path := buildVerifier(t, 20, 512, 0)

	for i := 0; i < 3; i++ {
		_, err := v.VerifyFull(context.Background())
		require.NoError(t, err)
	}
	corruptByte(t, path, 0)
	_, err := v.VerifyFull(context.Background())
	require.NoError(t, err)

	s := v.Stats()
	assert.Equal(t, 4, s.Passes)
	assert.Equal(t, 1, s.Failures)
	assert.LessOrEqual(t, s.MinMs, s.AvgMs)
	assert.LessOrEqual(t, s.AvgMs, s.MaxMs)
}

func TestNewVerifierRejectsGeometryMismatch(t *testing.T) {
	data := make([]byte, 4096)
	path := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, err := firmware.LoadImage(path, 1024, sha)
	require.NoError(t, err)
	m := firmware.GenerateManifest(img)
	m.ChunkSize = 2048

	_, err = NewVerifier(img, m, sha)
	assert.Error(t, err)
}

func TestVerifyFullHonorsContextCancel(t *testing.T) {
	v, _ := buildVerifier(t, 10, 512, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.VerifyFull(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
