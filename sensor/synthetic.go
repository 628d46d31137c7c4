package sensor

import (
	"context"
	"math/rand"
	"sync"

	"github.com/temoto/envtele/helpers"
)

const DefaultAnomalyRate = 0.005

type AnomalyKind int

const (
	AnomalyNone AnomalyKind = iota
	AnomalyTemperature
	AnomalyPressure
	AnomalyHumidity
)

// Synthetic simulates a sensor with rare out of range spikes.
//
//	normal: temperature 20.00-29.99, pressure 1000.0-1049.9, humidity 30.0-99.9
//	spike:  one of temperature 40.00-49.99, pressure 1100.0-1149.9, humidity 110.0-129.9
type Synthetic struct {
	mu          sync.Mutex
	rand        *rand.Rand
	AnomalyRate float64
	// Last anomaly kind, for tests and logs.
	Last AnomalyKind
}

// NewSynthetic with rnd=nil seeds from current time.
func NewSynthetic(rnd *rand.Rand, anomalyRate float64) *Synthetic {
	if rnd == nil {
		rnd = helpers.RandUnix()
	}
	return &Synthetic{rand: rnd, AnomalyRate: anomalyRate}
}

func (s *Synthetic) Sense(ctx context.Context) (Values, error) {
	if err := ctx.Err(); err != nil {
		return Values{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := Values{
		Temperature: s.step(20, 1000, 100),
		Pressure:    s.step(1000, 500, 10),
		Humidity:    s.step(30, 700, 10),
	}
	s.Last = AnomalyNone
	if s.rand.Float64() < s.AnomalyRate {
		s.Last = AnomalyKind(1 + s.rand.Intn(3))
		switch s.Last {
		case AnomalyTemperature:
			v.Temperature = s.step(40, 1000, 100)
		case AnomalyPressure:
			v.Pressure = s.step(1100, 500, 10)
		case AnomalyHumidity:
			v.Humidity = s.step(110, 200, 10)
		}
	}
	return v, nil
}

// base + random(0..n-1)/div, i.e. quantised to 1/div
func (s *Synthetic) step(base float32, n int, div float32) float32 {
	return base + float32(s.rand.Intn(n))/div
}
