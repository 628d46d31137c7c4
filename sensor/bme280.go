package sensor

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

const DefaultBME280Addr = 0x76

// BME280 reads Bosch BME280 over I2C.
type BME280 struct {
	mu  sync.Mutex
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

// NewBME280 bus="" picks first available I2C bus.
func NewBME280(bus string, addr uint16) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C Open bus=%s", bus)
	}
	if addr == 0 {
		addr = DefaultBME280Addr
	}
	dev, err := bmxx80.NewI2C(b, addr, &bmxx80.DefaultOpts)
	if err != nil {
		b.Close()
		return nil, errors.Annotatef(err, "bmxx80 addr=%#x", addr)
	}
	return &BME280{bus: b, dev: dev}, nil
}

func (s *BME280) Sense(ctx context.Context) (Values, error) {
	if err := ctx.Err(); err != nil {
		return Values{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return Values{}, errors.Annotate(err, "bme280 sense")
	}
	return envValues(&env), nil
}

func (s *BME280) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.dev.Halt()
	if err2 := s.bus.Close(); err == nil {
		err = err2
	}
	return err
}

func envValues(env *physic.Env) Values {
	return Values{
		Temperature: float32(float64(env.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin)),
		Pressure:    float32(float64(env.Pressure) / float64(100*physic.Pascal)),
		Humidity:    float32(float64(env.Humidity) / float64(physic.PercentRH)),
	}
}
