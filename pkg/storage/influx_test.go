package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/types"
)

func testBatch() []types.Measurement {
	ts := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
	return []types.Measurement{
		types.NewMeasurement("electricity_costs_euro", map[string]string{"period": "this_day"}, "cost", 5.0, ts),
		types.NewMeasurement("electricity_consumption_kwh", map[string]string{"period": "this_day", "source": "grid"}, "consumption", 20.0, ts),
	}
}

func newInfluxServer(t *testing.T, status int, requests *int32, body *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			t.Errorf("Expected /api/v2/write, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("bucket"); got != "energy" {
			t.Errorf("Expected bucket energy, got %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Expected token auth header, got %s", got)
		}

		atomic.AddInt32(requests, 1)
		data, _ := io.ReadAll(r.Body)
		if body != nil {
			*body = string(data)
		}

		if status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"code":"invalid","message":"partial write error"}`))
			return
		}
		w.WriteHeader(status)
	}))
}

func newTestWriter(url string, attempts int) *InfluxWriter {
	return NewInfluxWriter(InfluxConfig{
		URL:           url,
		Token:         "secret",
		Org:           "home",
		Bucket:        "energy",
		Timeout:       5 * time.Second,
		MaxAttempts:   attempts,
		RetryInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestInfluxWriter_WriteBatch(t *testing.T) {
	var requests int32
	var body string
	server := newInfluxServer(t, http.StatusNoContent, &requests, &body)
	defer server.Close()

	w := newTestWriter(server.URL, 3)
	defer w.Close()

	if err := w.WriteBatch(context.Background(), testBatch()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if requests != 1 {
		t.Errorf("Expected the whole batch in 1 request, got %d", requests)
	}
	if !strings.Contains(body, "electricity_costs_euro,period=this_day cost=5") {
		t.Errorf("Expected cost line in body, got: %s", body)
	}
	if !strings.Contains(body, "electricity_consumption_kwh,period=this_day,source=grid consumption=20") {
		t.Errorf("Expected grid consumption line in body, got: %s", body)
	}
	if !strings.Contains(body, "1742032800") {
		t.Errorf("Expected second precision timestamp in body, got: %s", body)
	}
}

func TestInfluxWriter_EmptyBatch(t *testing.T) {
	var requests int32
	server := newInfluxServer(t, http.StatusNoContent, &requests, nil)
	defer server.Close()

	w := newTestWriter(server.URL, 3)
	defer w.Close()

	if err := w.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if requests != 0 {
		t.Errorf("Expected no request for an empty batch, got %d", requests)
	}
}

func TestInfluxWriter_Failure(t *testing.T) {
	var requests int32
	server := newInfluxServer(t, http.StatusInternalServerError, &requests, nil)
	defer server.Close()

	w := newTestWriter(server.URL, 3)
	defer w.Close()

	if err := w.WriteBatch(context.Background(), testBatch()); err == nil {
		t.Fatal("Expected error when server rejects the write")
	}
	if requests != 3 {
		t.Errorf("Expected 3 attempts, got %d", requests)
	}
}

func TestInfluxWriter_BadRequestFails(t *testing.T) {
	var requests int32
	server := newInfluxServer(t, http.StatusBadRequest, &requests, nil)
	defer server.Close()

	w := newTestWriter(server.URL, 3)
	defer w.Close()

	if err := w.WriteBatch(context.Background(), testBatch()); err == nil {
		t.Fatal("Expected error when server rejects the payload")
	}
}

func TestInfluxWriter_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			t.Errorf("Expected /ping, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := newTestWriter(server.URL, 1)
	defer w.Close()

	if err := w.Ping(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got: %v", err)
	}
}

func TestToPoint(t *testing.T) {
	ts := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
	m := types.NewMeasurement("electricity_prices_euro", nil, "total", 0.28, ts)
	m.Fields["rank"] = 0.5

	p := ToPoint(m)

	if p.Name() != "electricity_prices_euro" {
		t.Errorf("Expected name electricity_prices_euro, got %s", p.Name())
	}
	if len(p.FieldList()) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(p.FieldList()))
	}
	if len(p.TagList()) != 0 {
		t.Errorf("Expected no tags, got %d", len(p.TagList()))
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Expected time %v, got %v", ts, p.Time())
	}
}
