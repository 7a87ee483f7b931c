// Package sensor provides environmental readings to the monitor. On a
// deployed node the source wraps the physical sensor bus; in development
// and tests a simulated source replays configurable profiles.
package sensor

import (
	"context"
	"errors"
	"time"
)

// ErrReadFailed reports a failed sensor acquisition, covering bus timeouts
// and simulated dropouts.
var ErrReadFailed = errors.New("sensor: read failed")

// Reading is one environmental sample.
type Reading struct {
	Timestamp   time.Time
	Temperature float64 // °C
	Humidity    float64 // relative %

	// Quality is the acquisition confidence score in [0, 100]. Bus
	// retries and checksum corrections lower it.
	Quality float64
}

// Source produces readings. Read blocks until a sample is available or the
// context is cancelled.
type Source interface {
	Read(ctx context.Context) (Reading, error)
	Close() error
}
