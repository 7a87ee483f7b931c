package firmware

import (
	"context"
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentryd/internal/element"
	"sentryd/internal/logging"
)

func sha(b []byte) [element.DigestSize]byte { return sha256.Sum256(b) }

func writeImage(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadImageChunking(t *testing.T) {
	// 10000 bytes at 4096 per chunk: 4096 + 4096 + 1808.
	path := writeImage(t, 10000)

	img, err := LoadImage(path, 4096, sha)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), img.Size)
	require.Equal(t, 3, img.ChunkCount())
	assert.Equal(t, 4096, img.Chunks[0].Size)
	assert.Equal(t, 4096, img.Chunks[1].Size)
	assert.Equal(t, 1808, img.Chunks[2].Size)
	assert.Equal(t, int64(8192), img.Chunks[2].Offset)
}

func TestLoadImageExactMultiple(t *testing.T) {
	path := writeImage(t, 8192)
	img, err := LoadImage(path, 4096, sha)
	require.NoError(t, err)
	require.Equal(t, 2, img.ChunkCount())
	assert.Equal(t, 4096, img.Chunks[1].Size)
}

func TestLoadImageErrors(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "missing.bin"), 4096, sha)
	assert.ErrorIs(t, err, ErrImageLoad)

	empty := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadImage(empty, 4096, sha)
	assert.ErrorIs(t, err, ErrImageLoad)
}

func TestReadChunkSeesOnDiskChanges(t *testing.T) {
	path := writeImage(t, 8192)
	img, err := LoadImage(path, 4096, sha)
	require.NoError(t, err)

	before, err := img.ReadChunk(1)
	require.NoError(t, err)
	assert.Equal(t, img.Chunks[1].Digest, sha(before))

	// Flip one byte in the second chunk on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[5000] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	after, err := img.ReadChunk(1)
	require.NoError(t, err)
	assert.NotEqual(t, img.Chunks[1].Digest, sha(after))
}

func TestManifestRoundTrip(t *testing.T) {
	path := writeImage(t, 10000)
	img, err := LoadImage(path, 4096, sha)
	require.NoError(t, err)

	m := GenerateManifest(img)
	assert.Equal(t, 3, m.ChunkCount)
	assert.Len(t, m.Chunks, 3)

	mp := path + ".manifest.json"
	require.NoError(t, m.Write(mp))

	loaded, err := LoadManifest(mp)
	require.NoError(t, err)
	assert.Equal(t, m.ImageDigest, loaded.ImageDigest)
	assert.Equal(t, m.Chunks, loaded.Chunks)

	d0, err := loaded.ChunkDigest(0)
	require.NoError(t, err)
	assert.Equal(t, img.Chunks[0].Digest, d0)
}

func TestLoadManifestRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing fields":    `{"version": 1}`,
		"bad digest":        `{"version":1,"created_at":"x","image_size":10,"chunk_size":4096,"chunk_count":1,"image_digest":"nothex","chunks":["nothex"]}`,
		"unknown field":     `{"version":1,"created_at":"x","image_size":10,"chunk_size":4096,"chunk_count":1,"image_digest":"` + hex64() + `","chunks":["` + hex64() + `"],"extra":true}`,
		"chunk size too small": `{"version":1,"created_at":"x","image_size":10,"chunk_size":16,"chunk_count":1,"image_digest":"` + hex64() + `","chunks":["` + hex64() + `"]}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
			_, err := LoadManifest(p)
			assert.Error(t, err)
		})
	}
}

func hex64() string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}

func TestManifestSignature(t *testing.T) {
	path := writeImage(t, 4096)
	img, err := LoadImage(path, 4096, sha)
	require.NoError(t, err)

	mgr := element.NewManager(element.NewSoftElement("", nil), logging.Default())
	require.NoError(t, mgr.Initialize(context.Background()))
	defer mgr.Close()

	m := GenerateManifest(img)

	ok, err := m.VerifySignature(mgr)
	require.NoError(t, err)
	assert.False(t, ok, "unsigned manifest must not verify")

	require.NoError(t, m.Sign(mgr))
	ok, err = m.VerifySignature(mgr)
	require.NoError(t, err)
	assert.True(t, ok)

	m.ChunkCount = 99
	ok, err = m.VerifySignature(mgr)
	require.NoError(t, err)
	assert.False(t, ok, "tampered manifest must not verify")
}
