package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/influxdata/influxdb/client/v2"
	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

const InfluxMeasurement = "reading"

type InfluxOptions struct {
	Addr     string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

// Influx writes one point per reading into time series database.
// Point time is reading timestamp, receive time when it does not parse.
type Influx struct {
	c        client.Client
	database string
	now      func() time.Time
}

func NewInflux(opt InfluxOptions) (*Influx, error) {
	if opt.Database == "" {
		return nil, errors.NotValidf("influx database empty")
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultHTTPTimeout
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     opt.Addr,
		Username: opt.Username,
		Password: opt.Password,
		Timeout:  opt.Timeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "influx addr=%s", opt.Addr)
	}
	return &Influx{c: c, database: opt.Database, now: time.Now}, nil
}

func (i *Influx) Publish(ctx context.Context, r reading.SensorReading) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  i.database,
		Precision: "s",
	})
	if err != nil {
		return errors.Trace(err)
	}
	t, err := reading.ParseTimestamp(r.Timestamp)
	if err != nil {
		t = i.now()
	}
	tags := map[string]string{
		"sensor_id": strconv.FormatInt(int64(r.SensorID), 10),
	}
	fields := map[string]interface{}{
		"temperature": float64(r.Temperature),
		"pressure":    float64(r.Pressure),
		"humidity":    float64(r.Humidity),
	}
	pt, err := client.NewPoint(InfluxMeasurement, tags, fields, t)
	if err != nil {
		return errors.Annotate(err, "influx point")
	}
	bp.AddPoint(pt)
	return errors.Annotatef(i.c.Write(bp), "influx write sensor_id=%d", r.SensorID)
}

func (i *Influx) Close() error { return i.c.Close() }
