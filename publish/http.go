package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

const DefaultHTTPTimeout = 3 * time.Second

// ReadingJSON is wire form shared with reading store API.
type ReadingJSON struct {
	SensorID    *int32   `json:"sensor_id"`
	Timestamp   *string  `json:"timestamp"`
	Temperature *float32 `json:"temperature"`
	Pressure    *float32 `json:"pressure"`
	Humidity    *float32 `json:"humidity"`
}

func NewReadingJSON(r reading.SensorReading) ReadingJSON {
	return ReadingJSON{
		SensorID:    &r.SensorID,
		Timestamp:   &r.Timestamp,
		Temperature: &r.Temperature,
		Pressure:    &r.Pressure,
		Humidity:    &r.Humidity,
	}
}

// Complete reports whether all five fields are present.
func (j ReadingJSON) Complete() bool {
	return j.SensorID != nil && j.Timestamp != nil && j.Temperature != nil && j.Pressure != nil && j.Humidity != nil
}

func (j ReadingJSON) Reading() reading.SensorReading {
	var r reading.SensorReading
	if j.SensorID != nil {
		r.SensorID = *j.SensorID
	}
	if j.Timestamp != nil {
		r.Timestamp = *j.Timestamp
	}
	if j.Temperature != nil {
		r.Temperature = *j.Temperature
	}
	if j.Pressure != nil {
		r.Pressure = *j.Pressure
	}
	if j.Humidity != nil {
		r.Humidity = *j.Humidity
	}
	return r
}

// HTTP posts each reading as JSON, non-2xx status is an error.
type HTTP struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration
}

func (h *HTTP) Publish(ctx context.Context, r reading.SensorReading) error {
	body, err := json.Marshal(NewReadingJSON(r))
	if err != nil {
		return errors.Annotate(err, "http publish marshal")
	}
	timeout := h.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Annotatef(err, "http publish url=%s", h.URL)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "http publish url=%s", h.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("http publish url=%s status=%s", h.URL, resp.Status)
	}
	return nil
}
