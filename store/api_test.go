package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/store"
)

func init() { gin.SetMode(gin.TestMode) }

type brokenStore struct{}

func (brokenStore) Insert(context.Context, reading.SensorReading) (store.Record, error) {
	return store.Record{}, errors.New("connection refused")
}
func (brokenStore) List(context.Context, store.Filter) ([]store.Record, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Close() error { return nil }

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAPIInsert(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		status int
		expect string
	}{
		{"ok", `{"sensor_id":1,"timestamp":"2024-01-01 00:00:00","temperature":25,"pressure":1010,"humidity":45.5}`, http.StatusCreated, `"message":"reading stored"`},
		{"zero-values-present", `{"sensor_id":0,"timestamp":"","temperature":0,"pressure":0,"humidity":0}`, http.StatusCreated, `"id":`},
		{"missing-humidity", `{"sensor_id":1,"timestamp":"2024-01-01 00:00:00","temperature":25,"pressure":1010}`, http.StatusBadRequest, `{"error":"missing fields"}`},
		{"empty-object", `{}`, http.StatusBadRequest, `{"error":"missing fields"}`},
		{"not-json", `sensor=1`, http.StatusBadRequest, `{"error":"invalid json"}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := store.NewMemory()
			router := store.NewRouter(&store.API{Log: log2.NewTest(t, log2.LDebug), Store: m})
			w := serve(router, http.MethodPost, "/readings", c.body)
			assert.Equal(t, c.status, w.Code)
			assert.Contains(t, w.Body.String(), c.expect)

			records, err := m.List(context.Background(), store.Filter{})
			require.NoError(t, err)
			if c.status == http.StatusCreated {
				require.Len(t, records, 1)
				var resp map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, records[0].ID.String(), resp["id"])
			} else {
				assert.Len(t, records, 0)
			}
		})
	}
}

func TestAPIList(t *testing.T) {
	t.Parallel()
	router := store.NewRouter(&store.API{Log: log2.NewTest(t, log2.LDebug), Store: fillMemory(t)})
	since := url.QueryEscape("2024-01-01 00:00:05")
	cases := []struct {
		target string
		status int
		expect []string
	}{
		{"/readings", http.StatusOK, []string{"2024-01-01 00:00:01", "2024-01-01 00:00:05", "2024-01-01 00:00:10", "2024-01-01 00:00:20"}},
		{"/readings/1", http.StatusOK, []string{"2024-01-01 00:00:01", "2024-01-01 00:00:10"}},
		{"/readings/9", http.StatusOK, []string{}},
		{"/readings?since=" + since, http.StatusOK, []string{"2024-01-01 00:00:05", "2024-01-01 00:00:10", "2024-01-01 00:00:20"}},
		{"/readings/1?since=" + since, http.StatusOK, []string{"2024-01-01 00:00:10"}},
		{"/readings?limit=1", http.StatusOK, []string{"2024-01-01 00:00:01"}},
		{"/readings/abc", http.StatusBadRequest, nil},
		{"/readings/99999999999", http.StatusBadRequest, nil},
		{"/readings?since=yesterday", http.StatusBadRequest, nil},
		{"/readings?limit=-1", http.StatusBadRequest, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.target, func(t *testing.T) {
			t.Parallel()
			w := serve(router, http.MethodGet, c.target, "")
			require.Equal(t, c.status, w.Code, w.Body.String())
			if c.status != http.StatusOK {
				assert.Contains(t, w.Body.String(), `"error"`)
				return
			}
			var records []struct {
				ID        string `json:"id"`
				SensorID  int32  `json:"sensor_id"`
				Timestamp string `json:"timestamp"`
				Humidity  float32
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
			got := make([]string, len(records))
			for i, r := range records {
				got[i] = r.Timestamp
				assert.NotEmpty(t, r.ID)
				assert.Equal(t, float32(45.5), r.Humidity)
			}
			assert.Equal(t, c.expect, got)
		})
	}
}

func TestAPIStoreError(t *testing.T) {
	t.Parallel()
	router := store.NewRouter(&store.API{Log: log2.NewTest(t, log2.LDebug), Store: brokenStore{}})
	w := serve(router, http.MethodGet, "/readings", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	w = serve(router, http.MethodPost, "/readings", `{"sensor_id":1,"timestamp":"2024-01-01 00:00:00","temperature":25,"pressure":1010,"humidity":45.5}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"store unavailable"}`, w.Body.String())

	w = serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
