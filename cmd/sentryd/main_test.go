package main

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sentryd/internal/element"
	"sentryd/internal/firmware"
)

func TestDigestSummaryCarriesFullDigest(t *testing.T) {
	data := make([]byte, 4*512)
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	hash := func(b []byte) [element.DigestSize]byte { return sha256.Sum256(b) }
	img, err := firmware.LoadImage(path, 512, hash)
	if err != nil {
		t.Fatal(err)
	}
	m := firmware.GenerateManifest(img)

	out := digestSummary(path+".manifest.json", m)
	if !strings.Contains(out, "4 chunks") {
		t.Fatalf("summary missing chunk count: %s", out)
	}
	if !strings.Contains(out, "sha256:"+m.ImageDigest) {
		t.Fatalf("summary must carry the full hex digest: %s", out)
	}
	if len(m.ImageDigest) != 64 {
		t.Fatalf("image digest %d hex chars, want 64", len(m.ImageDigest))
	}
}
