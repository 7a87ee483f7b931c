//go:build !linux

package element

import (
	"crypto/rand"
	"fmt"
	"io"
)

// readEntropy fills b from the platform CSPRNG.
func readEntropy(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("element: read entropy: %w", err)
	}
	return nil
}
