// Package reading is the fixed binary layout of one environmental sensor reading.
//
// Layout, all numbers little-endian, no padding:
//
//	off size field
//	  0    4 sensor_id    int32
//	  4   20 timestamp    "YYYY-MM-DD HH:MM:SS", zero padded
//	 24    4 temperature  float32
//	 28    4 pressure     float32
//	 32    4 humidity     float32
//	 36   32 signature_r  (signed frame only)
//	 68   32 signature_s  (signed frame only)
//
// The authentication tag is computed over bytes [0:36].
package reading

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	TimestampLayout = "2006-01-02 15:04:05"
	TimestampField  = 20

	ReadingSize = 4 + TimestampField + 4 + 4 + 4
	TagHalfSize = 32
	FrameSize   = ReadingSize + 2*TagHalfSize

	offsetTimestamp   = 4
	offsetTemperature = offsetTimestamp + TimestampField
	offsetPressure    = offsetTemperature + 4
	offsetHumidity    = offsetPressure + 4
	offsetR           = ReadingSize
	offsetS           = offsetR + TagHalfSize
)

type FramingError struct {
	Expect int
	Actual int
}

func (e FramingError) Error() string {
	return fmt.Sprintf("framing: length=%d expected=%d", e.Actual, e.Expect)
}

// SensorReading is immutable once constructed, pass by value.
type SensorReading struct {
	SensorID    int32
	Timestamp   string
	Temperature float32
	Pressure    float32
	Humidity    float32
}

type SignedReading struct {
	SensorReading
	R [TagHalfSize]byte
	S [TagHalfSize]byte
}

func New(sensorID int32, t time.Time, temperature, pressure, humidity float32) SensorReading {
	return SensorReading{
		SensorID:    sensorID,
		Timestamp:   FormatTimestamp(t),
		Temperature: temperature,
		Pressure:    pressure,
		Humidity:    humidity,
	}
}

func FormatTimestamp(t time.Time) string { return t.Format(TimestampLayout) }

func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

func (r SensorReading) String() string {
	return fmt.Sprintf("(sensor_id=%d timestamp=%s temperature=%.2f pressure=%.2f humidity=%.2f)",
		r.SensorID, r.Timestamp, r.Temperature, r.Pressure, r.Humidity)
}

// Encode returns exact signing input. Timestamp longer than 19 bytes is truncated,
// last byte of the text field is always zero.
func Encode(r SensorReading) [ReadingSize]byte {
	var b [ReadingSize]byte
	encodeTo(b[:], r)
	return b
}

func Decode(b []byte) (SensorReading, error) {
	if len(b) != ReadingSize {
		return SensorReading{}, FramingError{Expect: ReadingSize, Actual: len(b)}
	}
	return decodeFrom(b), nil
}

func EncodeSigned(sr SignedReading) [FrameSize]byte {
	var b [FrameSize]byte
	encodeTo(b[:ReadingSize], sr.SensorReading)
	copy(b[offsetR:], sr.R[:])
	copy(b[offsetS:], sr.S[:])
	return b
}

func DecodeSigned(b []byte) (SignedReading, error) {
	if len(b) != FrameSize {
		return SignedReading{}, FramingError{Expect: FrameSize, Actual: len(b)}
	}
	sr := SignedReading{SensorReading: decodeFrom(b[:ReadingSize])}
	copy(sr.R[:], b[offsetR:offsetS])
	copy(sr.S[:], b[offsetS:FrameSize])
	return sr, nil
}

func encodeTo(b []byte, r SensorReading) {
	binary.LittleEndian.PutUint32(b[0:], uint32(r.SensorID))
	ts := b[offsetTimestamp:offsetTemperature]
	for i := range ts {
		ts[i] = 0
	}
	copy(ts[:TimestampField-1], r.Timestamp)
	binary.LittleEndian.PutUint32(b[offsetTemperature:], math.Float32bits(r.Temperature))
	binary.LittleEndian.PutUint32(b[offsetPressure:], math.Float32bits(r.Pressure))
	binary.LittleEndian.PutUint32(b[offsetHumidity:], math.Float32bits(r.Humidity))
}

func decodeFrom(b []byte) SensorReading {
	ts := b[offsetTimestamp:offsetTemperature]
	if i := bytes.IndexByte(ts, 0); i >= 0 {
		ts = ts[:i]
	}
	return SensorReading{
		SensorID:    int32(binary.LittleEndian.Uint32(b[0:])),
		Timestamp:   string(ts),
		Temperature: math.Float32frombits(binary.LittleEndian.Uint32(b[offsetTemperature:])),
		Pressure:    math.Float32frombits(binary.LittleEndian.Uint32(b[offsetPressure:])),
		Humidity:    math.Float32frombits(binary.LittleEndian.Uint32(b[offsetHumidity:])),
	}
}
