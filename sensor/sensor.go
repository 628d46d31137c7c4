// Package sensor produces environmental measurements for the device loop.
package sensor

import (
	"context"
	"fmt"
)

// Values in degrees Celsius, hectopascal and percent relative humidity.
type Values struct {
	Temperature float32
	Pressure    float32
	Humidity    float32
}

func (v Values) String() string {
	return fmt.Sprintf("(temperature=%.2f pressure=%.2f humidity=%.2f)", v.Temperature, v.Pressure, v.Humidity)
}

type Source interface {
	Sense(ctx context.Context) (Values, error)
}

// Fixed always returns same values. Useful for smoke tests against real server.
type Fixed Values

func (f Fixed) Sense(context.Context) (Values, error) { return Values(f), nil }
