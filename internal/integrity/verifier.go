// Package integrity verifies the firmware image against its reference
// manifest, in full passes and in bounded incremental bursts.
package integrity

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"sentryd/internal/element"
	"sentryd/internal/firmware"
)

// Status is the outcome of a verification pass.
type Status int

const (
	StatusOK Status = iota
	StatusCorrupted
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "CORRUPTED"
}

// MaxReportedChunks caps the corrupted chunk IDs carried in a report.
// The counts remain exact past the cap.
const MaxReportedChunks = 16

// Report summarizes one verification pass. Verified and Corrupted always
// sum to Total: a full pass checks every chunk even after a mismatch.
type Report struct {
	Total     int
	Verified  int
	Corrupted int

	// CorruptedChunks lists the first MaxReportedChunks corrupted chunk
	// indices.
	CorruptedChunks []int

	Status    Status
	Elapsed   time.Duration
	Timestamp time.Time

	// Full distinguishes full passes from incremental bursts.
	Full bool
}

// Stats tracks full-pass latency across the run.
type Stats struct {
	Passes   int
	Failures int
	MinMs    float64
	AvgMs    float64
	MaxMs    float64
}

// Verifier checks firmware chunks against the manifest. Chunk bytes are
// re-read from disk on every pass so on-disk tampering is observed.
type Verifier struct {
	mu       sync.Mutex
	image    *firmware.Image
	manifest *firmware.Manifest
	hash     firmware.HashFunc

	cursor     int
	latest     *Report
	stats      Stats
	totalMs    float64
	corrupted  map[int]bool
	incVisited int
}

// NewVerifier pairs an image with its manifest. The pairing is rejected
// when the geometry disagrees.
func NewVerifier(img *firmware.Image, m *firmware.Manifest, hash firmware.HashFunc) (*Verifier, error) {
	if img.Size != m.ImageSize {
		return nil, fmt.Errorf("integrity: image size %d does not match manifest %d", img.Size, m.ImageSize)
	}
	if img.ChunkSize != m.ChunkSize {
		return nil, fmt.Errorf("integrity: chunk size %d does not match manifest %d", img.ChunkSize, m.ChunkSize)
	}
	if len(img.Chunks) != m.ChunkCount {
		return nil, fmt.Errorf("integrity: chunk count %d does not match manifest %d", len(img.Chunks), m.ChunkCount)
	}
	return &Verifier{
		image:     img,
		manifest:  m,
		hash:      hash,
		corrupted: make(map[int]bool),
	}, nil
}

// VerifyFull checks every chunk and returns the aggregate report. A
// mismatch never aborts the pass; the report carries exact counts.
func (v *Verifier) VerifyFull(ctx context.Context) (*Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := time.Now()
	r := &Report{
		Total:     len(v.image.Chunks),
		Timestamp: start,
		Full:      true,
	}

	for i := range v.image.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := v.checkChunk(i)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Verified++
			delete(v.corrupted, i)
		} else {
			r.Corrupted++
			v.corrupted[i] = true
			if len(r.CorruptedChunks) < MaxReportedChunks {
				r.CorruptedChunks = append(r.CorruptedChunks, i)
			}
		}
	}

	r.Elapsed = time.Since(start)
	if r.Corrupted > 0 {
		r.Status = StatusCorrupted
	}
	v.latest = r
	v.recordStats(r)
	return r, nil
}

// VerifyIncremental checks up to n chunks starting at the round-robin
// cursor and wraps at the end of the image. The returned report covers
// only the visited chunks.
func (v *Verifier) VerifyIncremental(ctx context.Context, n int) (*Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := len(v.image.Chunks)
	if n <= 0 || total == 0 {
		return &Report{Timestamp: time.Now()}, nil
	}
	if n > total {
		n = total
	}

	start := time.Now()
	r := &Report{
		Total:     n,
		Timestamp: start,
	}

	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i := v.cursor
		v.cursor = (v.cursor + 1) % total
		v.incVisited++

		ok, err := v.checkChunk(i)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Verified++
			delete(v.corrupted, i)
		} else {
			r.Corrupted++
			v.corrupted[i] = true
			if len(r.CorruptedChunks) < MaxReportedChunks {
				r.CorruptedChunks = append(r.CorruptedChunks, i)
			}
		}
	}

	r.Elapsed = time.Since(start)
	if r.Corrupted > 0 || len(v.corrupted) > 0 {
		r.Status = StatusCorrupted
	}
	return r, nil
}

func (v *Verifier) checkChunk(i int) (bool, error) {
	data, err := v.image.ReadChunk(i)
	if err != nil {
		return false, err
	}
	got := v.hash(data)
	want, err := v.manifest.ChunkDigest(i)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1, nil
}

func (v *Verifier) recordStats(r *Report) {
	ms := float64(r.Elapsed.Microseconds()) / 1000.0
	v.stats.Passes++
	if r.Status != StatusOK {
		v.stats.Failures++
	}
	v.totalMs += ms
	if v.stats.Passes == 1 || ms < v.stats.MinMs {
		v.stats.MinMs = ms
	}
	if ms > v.stats.MaxMs {
		v.stats.MaxMs = ms
	}
	v.stats.AvgMs = v.totalMs / float64(v.stats.Passes)
}

// Latest returns the most recent full report, or nil before the first pass.
func (v *Verifier) Latest() *Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.latest
}

// Corrupted reports whether any chunk is currently known corrupted.
func (v *Verifier) Corrupted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.corrupted) > 0
}

// Stats returns the accumulated full-pass latency statistics.
func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// ChunkCount returns the number of chunks under protection.
func (v *Verifier) ChunkCount() int {
	return len(v.image.Chunks)
}

// ImageDigest returns the manifest's whole-image digest, decoded.
func (v *Verifier) ImageDigest() ([element.DigestSize]byte, error) {
	var d [element.DigestSize]byte
	raw, err := hex.DecodeString(v.manifest.ImageDigest)
	if err != nil || len(raw) != element.DigestSize {
		return d, fmt.Errorf("integrity: malformed image digest")
	}
	copy(d[:], raw)
	return d, nil
}
