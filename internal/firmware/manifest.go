package firmware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentryd/internal/element"
)

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// Manifest is the reference measurement set for a firmware image. The
// verifier compares live chunk digests against it.
type Manifest struct {
	Version     int      `json:"version"`
	CreatedAt   string   `json:"created_at"`
	ImageSize   int64    `json:"image_size"`
	ChunkSize   int      `json:"chunk_size"`
	ChunkCount  int      `json:"chunk_count"`
	ImageDigest string   `json:"image_digest"`
	Chunks      []string `json:"chunks"`

	// Signature is the device signature over the canonical manifest
	// bytes, hex encoded. Optional until the manifest is signed.
	Signature string `json:"signature,omitempty"`
}

// manifestSchema constrains manifest files before any field is trusted.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "created_at", "image_size", "chunk_size", "chunk_count", "image_digest", "chunks"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "created_at": {"type": "string"},
    "image_size": {"type": "integer", "minimum": 1},
    "chunk_size": {"type": "integer", "minimum": 256},
    "chunk_count": {"type": "integer", "minimum": 1},
    "image_digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "chunks": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
    },
    "signature": {"type": "string", "pattern": "^[0-9a-f]+$"}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", bytes.NewReader([]byte(manifestSchema))); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("manifest.schema.json")
	})
	return compiledSchema, schemaErr
}

// GenerateManifest builds a manifest from a loaded image.
func GenerateManifest(img *Image) *Manifest {
	m := &Manifest{
		Version:     ManifestVersion,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		ImageSize:   img.Size,
		ChunkSize:   img.ChunkSize,
		ChunkCount:  len(img.Chunks),
		ImageDigest: hex.EncodeToString(img.Digest[:]),
	}
	for _, c := range img.Chunks {
		m.Chunks = append(m.Chunks, hex.EncodeToString(c.Digest[:]))
	}
	return m
}

// LoadManifest reads and schema-validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: read manifest: %w", err)
	}

	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, fmt.Errorf("firmware: compile manifest schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("firmware: parse manifest: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("firmware: manifest rejected: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("firmware: decode manifest: %w", err)
	}
	if len(m.Chunks) != m.ChunkCount {
		return nil, fmt.Errorf("firmware: manifest chunk count %d does not match %d digests", m.ChunkCount, len(m.Chunks))
	}
	return &m, nil
}

// Write serializes the manifest to path.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("firmware: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("firmware: write manifest: %w", err)
	}
	return nil
}

// signingBytes returns the canonical bytes covered by the signature: the
// manifest JSON with the signature field cleared.
func (m *Manifest) signingBytes() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// Sign signs the manifest with the device element.
func (m *Manifest) Sign(mgr *element.Manager) error {
	data, err := m.signingBytes()
	if err != nil {
		return fmt.Errorf("firmware: canonical manifest: %w", err)
	}
	sig, err := mgr.Sign(data)
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(sig)
	return nil
}

// VerifySignature checks the manifest signature against the device element.
// An unsigned manifest fails verification.
func (m *Manifest) VerifySignature(mgr *element.Manager) (bool, error) {
	if m.Signature == "" {
		return false, nil
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false, fmt.Errorf("firmware: decode signature: %w", err)
	}
	data, err := m.signingBytes()
	if err != nil {
		return false, fmt.Errorf("firmware: canonical manifest: %w", err)
	}
	return mgr.Verify(data, sig), nil
}

// ChunkDigest returns the reference digest for chunk index.
func (m *Manifest) ChunkDigest(index int) ([element.DigestSize]byte, error) {
	var d [element.DigestSize]byte
	if index < 0 || index >= len(m.Chunks) {
		return d, fmt.Errorf("firmware: chunk index %d out of range", index)
	}
	raw, err := hex.DecodeString(m.Chunks[index])
	if err != nil || len(raw) != element.DigestSize {
		return d, fmt.Errorf("firmware: malformed digest for chunk %d", index)
	}
	copy(d[:], raw)
	return d, nil
}
