package sensor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes a simulated sensor: a slow sinusoidal drift around a
// base point, gaussian noise, and optional scripted events.
type Profile struct {
	Name string `yaml:"name"`

	BaseTemperature float64 `yaml:"base_temperature"`
	BaseHumidity    float64 `yaml:"base_humidity"`

	// TemperatureDrift and HumidityDrift are sinusoidal amplitudes over
	// DriftPeriod samples.
	TemperatureDrift float64 `yaml:"temperature_drift"`
	HumidityDrift    float64 `yaml:"humidity_drift"`
	DriftPeriod      int     `yaml:"drift_period"`

	// Noise is the gaussian noise standard deviation applied to both
	// channels.
	Noise float64 `yaml:"noise"`

	// Quality is the reported acquisition confidence score, 0-100.
	Quality float64 `yaml:"quality"`

	// DropoutRate is the probability of a failed read per sample.
	DropoutRate float64 `yaml:"dropout_rate"`

	// Seed fixes the noise stream; 0 means unseeded.
	Seed int64 `yaml:"seed"`

	// Events inject scripted values at specific sample indices.
	Events []ProfileEvent `yaml:"events"`
}

// ProfileEvent overrides the sample at a given index. Zero fields keep the
// profile value for that channel.
type ProfileEvent struct {
	AtSample    int      `yaml:"at_sample"`
	Temperature *float64 `yaml:"temperature"`
	Humidity    *float64 `yaml:"humidity"`
	Quality     *float64 `yaml:"quality"`
	Dropout     bool     `yaml:"dropout"`
}

// NominalProfile returns the built-in steady-state profile.
func NominalProfile() Profile {
	return Profile{
		Name:             "nominal",
		BaseTemperature:  22.5,
		BaseHumidity:     55.0,
		TemperatureDrift: 1.5,
		HumidityDrift:    5.0,
		DriftPeriod:      120,
		Noise:            0.15,
		Quality:          98,
	}
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	p := NominalProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("sensor: read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("sensor: parse profile: %w", err)
	}
	if p.DriftPeriod <= 0 {
		p.DriftPeriod = 120
	}
	return p, nil
}

// SimSource replays a profile. It is safe for use from the monitor
// goroutine plus tests polling Samples.
type SimSource struct {
	mu      sync.Mutex
	profile Profile
	rng     *rand.Rand
	sample  int
	events  map[int]ProfileEvent
	clock   func() time.Time
}

// NewSimSource creates a simulated source from a profile.
func NewSimSource(p Profile) *SimSource {
	if p.DriftPeriod <= 0 {
		p.DriftPeriod = 120
	}
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	events := make(map[int]ProfileEvent, len(p.Events))
	for _, ev := range p.Events {
		events[ev.AtSample] = ev
	}
	return &SimSource{
		profile: p,
		rng:     rand.New(rand.NewSource(seed)),
		events:  events,
		clock:   time.Now,
	}
}

// Read produces the next sample.
func (s *SimSource) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.sample
	s.sample++

	phase := 2 * math.Pi * float64(idx) / float64(s.profile.DriftPeriod)
	r := Reading{
		Timestamp:   s.clock(),
		Temperature: s.profile.BaseTemperature + s.profile.TemperatureDrift*math.Sin(phase) + s.rng.NormFloat64()*s.profile.Noise,
		Humidity:    s.profile.BaseHumidity + s.profile.HumidityDrift*math.Sin(phase/2) + s.rng.NormFloat64()*s.profile.Noise,
		Quality:     s.profile.Quality,
	}

	if ev, ok := s.events[idx]; ok {
		if ev.Dropout {
			return Reading{}, ErrReadFailed
		}
		if ev.Temperature != nil {
			r.Temperature = *ev.Temperature
		}
		if ev.Humidity != nil {
			r.Humidity = *ev.Humidity
		}
		if ev.Quality != nil {
			r.Quality = *ev.Quality
		}
	} else if s.profile.DropoutRate > 0 && s.rng.Float64() < s.profile.DropoutRate {
		return Reading{}, ErrReadFailed
	}

	return r, nil
}

// Samples returns the number of samples produced so far.
func (s *SimSource) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample
}

// Close releases the source.
func (s *SimSource) Close() error { return nil }

var _ Source = (*SimSource)(nil)
