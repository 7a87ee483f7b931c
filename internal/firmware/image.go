// Package firmware models the protected firmware image: chunked digests,
// the reference manifest, and change detection on the image file.
package firmware

import (
	"errors"
	"fmt"
	"os"

	"sentryd/internal/element"
)

// ErrImageLoad reports that the firmware image could not be read or
// chunked. It covers missing files, truncated reads, and size mismatches.
var ErrImageLoad = errors.New("firmware: image load failed")

// Chunk is one fixed-size slice of the firmware image with its digest.
// The last chunk may be shorter than the configured chunk size.
type Chunk struct {
	Index  int
	Offset int64
	Size   int
	Digest [element.DigestSize]byte
}

// Image is a chunked view over a firmware image file.
type Image struct {
	Path      string
	Size      int64
	ChunkSize int
	Chunks    []Chunk

	// Digest covers the whole image.
	Digest [element.DigestSize]byte
}

// HashFunc computes a digest over a byte slice. The element provider's
// Hash method satisfies it.
type HashFunc func([]byte) [element.DigestSize]byte

// LoadImage reads the image at path and computes per-chunk and whole-image
// digests with the given hash function.
func LoadImage(path string, chunkSize int, hash HashFunc) (*Image, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: invalid chunk size %d", ErrImageLoad, chunkSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: image %s is empty", ErrImageLoad, path)
	}

	img := &Image{
		Path:      path,
		Size:      int64(len(data)),
		ChunkSize: chunkSize,
		Digest:    hash(data),
	}

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		img.Chunks = append(img.Chunks, Chunk{
			Index:  len(img.Chunks),
			Offset: int64(off),
			Size:   end - off,
			Digest: hash(data[off:end]),
		})
	}
	return img, nil
}

// ChunkCount returns the number of chunks in the image.
func (img *Image) ChunkCount() int { return len(img.Chunks) }

// ReadChunk reads a single chunk's bytes from the image file. The read goes
// back to disk so that on-disk tampering after load is observable.
func (img *Image) ReadChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(img.Chunks) {
		return nil, fmt.Errorf("%w: chunk index %d out of range", ErrImageLoad, index)
	}
	c := img.Chunks[index]

	f, err := os.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	defer f.Close()

	buf := make([]byte, c.Size)
	n, err := f.ReadAt(buf, c.Offset)
	if err != nil || n != c.Size {
		return nil, fmt.Errorf("%w: short read of chunk %d", ErrImageLoad, index)
	}
	return buf, nil
}
