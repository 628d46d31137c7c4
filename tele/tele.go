// Package tele holds protobuf messages relayed downstream of the reading server.
package tele

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

//go:generate protoc --go_out=paths=source_relative:./ tele.proto

func NewReading(r reading.SensorReading, received time.Time, alarm []string) *Reading {
	return &Reading{
		SensorId:    r.SensorID,
		Timestamp:   r.Timestamp,
		Temperature: r.Temperature,
		Pressure:    r.Pressure,
		Humidity:    r.Humidity,
		Received:    received.UnixNano(),
		Alarm:       alarm,
	}
}

func (m *Reading) SensorReading() reading.SensorReading {
	return reading.SensorReading{
		SensorID:    m.GetSensorId(),
		Timestamp:   m.GetTimestamp(),
		Temperature: m.GetTemperature(),
		Pressure:    m.GetPressure(),
		Humidity:    m.GetHumidity(),
	}
}

func MarshalReading(m *Reading) ([]byte, error) {
	b, err := proto.Marshal(m)
	return b, errors.Annotate(err, "tele.Reading marshal")
}

func UnmarshalReading(b []byte) (*Reading, error) {
	m := &Reading{}
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, errors.Annotate(err, "tele.Reading unmarshal")
	}
	return m, nil
}
