//go:build linux

package element

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// readEntropy fills b from the kernel random source via getrandom(2) in
// non-blocking mode. If the entropy pool is not yet initialized the call
// fails with ErrEntropyUnavailable rather than degrading to a weaker source.
func readEntropy(b []byte) error {
	for off := 0; off < len(b); {
		n, err := unix.Getrandom(b[off:], unix.GRND_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return ErrEntropyUnavailable
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("element: getrandom: %w", err)
		}
		off += n
	}
	return nil
}
