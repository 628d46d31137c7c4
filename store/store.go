// Package store keeps verified readings and serves them over HTTP.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

const DefaultListLimit = 1000

var ErrClosed = errors.New("store closed")

type Record struct {
	ID      uuid.UUID
	Created time.Time
	reading.SensorReading
}

// Field names shared with POST body.
type recordJSON struct {
	ID          uuid.UUID `json:"id"`
	SensorID    int32     `json:"sensor_id"`
	Timestamp   string    `json:"timestamp"`
	Temperature float32   `json:"temperature"`
	Pressure    float32   `json:"pressure"`
	Humidity    float32   `json:"humidity"`
	Created     time.Time `json:"created"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:          r.ID,
		SensorID:    r.SensorID,
		Timestamp:   r.Timestamp,
		Temperature: r.Temperature,
		Pressure:    r.Pressure,
		Humidity:    r.Humidity,
		Created:     r.Created,
	})
}

// Zero value matches everything. List keeps newest DefaultListLimit records, oldest first.
// Since compares timestamp text, which orders correctly for the fixed layout.
type Filter struct {
	SensorID *int32
	Since    string
	Limit    int
}

func (f Filter) Match(r *Record) bool {
	if f.SensorID != nil && r.SensorID != *f.SensorID {
		return false
	}
	if f.Since != "" && r.Timestamp < f.Since {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Store implementations must be safe for concurrent use.
// List returns records ordered by timestamp then insertion.
type Store interface {
	Insert(ctx context.Context, r reading.SensorReading) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

func newRecord(r reading.SensorReading, now time.Time) Record {
	return Record{
		ID:            uuid.New(),
		Created:       now.UTC(),
		SensorReading: r,
	}
}

// Publisher stores each verified reading, so telemetry server can feed the store directly.
type Publisher struct{ S Store }

func (p Publisher) Publish(ctx context.Context, r reading.SensorReading) error {
	_, err := p.S.Insert(ctx, r)
	return errors.Annotate(err, "store publish")
}
