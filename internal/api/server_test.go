package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/storage"
)

type fakeQuerier struct {
	lastFilter   storage.Filter
	alerts       []alert.StoredAlert
	stats        storage.IngestStats
	aggregate    []storage.AggregateRow
	lastInterval time.Duration
	lastFrom     time.Time
	lastTo       time.Time
}

func (f *fakeQuerier) ListAlerts(_ context.Context, filter storage.Filter) ([]alert.StoredAlert, error) {
	f.lastFilter = filter
	return f.alerts, nil
}

func (f *fakeQuerier) ListRecentAlerts(_ context.Context, limit int) ([]alert.StoredAlert, error) {
	if limit < len(f.alerts) {
		return f.alerts[:limit], nil
	}
	return f.alerts, nil
}

func (f *fakeQuerier) Stats(_ context.Context, window time.Duration) (storage.IngestStats, error) {
	stats := f.stats
	stats.Window = window
	return stats, nil
}

func (f *fakeQuerier) Aggregate(_ context.Context, interval time.Duration, from, to time.Time) ([]storage.AggregateRow, error) {
	f.lastInterval = interval
	f.lastFrom = from
	f.lastTo = to
	return f.aggregate, nil
}

func newTestServer(querier *fakeQuerier, authEnabled bool) *Server {
	return New(querier, Options{
		AuthEnabled: authEnabled,
		Keys:        []string{"secret-key"},
		MaxLimit:    500,
	}, zerolog.Nop())
}

func storedAlert() alert.StoredAlert {
	return alert.StoredAlert{
		Alert: alert.Alert{
			Blockchain: "bitcoin",
			Symbol:     "BTC",
			Amount:     decimal.NewFromInt(1200),
			AmountUSD:  decimal.NewFromInt(48000000),
			ToAddress:  "Binance",
			TxRef:      "abc123",
			Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		IdentityHash: "deadbeef",
		StorageKey:   "deadbeef",
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv := newTestServer(&fakeQuerier{}, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must not require a key, got %d", rec.Code)
	}
}

func TestAlertsRejectsMissingOrWrongKey(t *testing.T) {
	srv := newTestServer(&fakeQuerier{}, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key must yield 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key must yield 401, got %d", rec.Code)
	}
}

func TestAlertsAcceptsValidKey(t *testing.T) {
	querier := &fakeQuerier{alerts: []alert.StoredAlert{storedAlert()}}
	srv := newTestServer(querier, true)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key must be accepted, got %d: %s", rec.Code, rec.Body)
	}

	var body struct {
		Count  int             `json:"count"`
		Alerts []alertResponse `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 || body.Alerts[0].Amount != "1200" || body.Alerts[0].AmountUSD != "48000000" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestAlertsParsesFilterParams(t *testing.T) {
	querier := &fakeQuerier{}
	srv := newTestServer(querier, false)

	target := "/api/alerts?from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z&symbol=BTC&blockchain=bitcoin&min_usd=1000000&limit=9000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	f := querier.lastFilter
	if f.From == nil || f.To == nil || !f.From.Before(*f.To) {
		t.Fatalf("time range not parsed: %+v", f)
	}
	if f.Symbol != "BTC" || f.Blockchain != "bitcoin" {
		t.Fatalf("filters not parsed: %+v", f)
	}
	if f.MinAmountUSD == nil || !f.MinAmountUSD.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("min_usd not parsed: %+v", f.MinAmountUSD)
	}
	if f.Limit != 500 {
		t.Fatalf("limit must clamp to the configured maximum, got %d", f.Limit)
	}
}

func TestAlertsRejectsBadParams(t *testing.T) {
	srv := newTestServer(&fakeQuerier{}, false)

	for _, target := range []string{
		"/api/alerts?from=yesterday",
		"/api/alerts?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z",
		"/api/alerts?min_usd=lots",
		"/api/alerts?limit=-1",
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestAggregateEndpoint(t *testing.T) {
	querier := &fakeQuerier{aggregate: []storage.AggregateRow{
		{
			Bucket:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Count:     4,
			VolumeUSD: decimal.NewFromInt(96000000),
		},
	}}
	srv := newTestServer(querier, true)

	target := "/api/alerts/aggregate?interval=4h&from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	if querier.lastInterval != 4*time.Hour {
		t.Fatalf("interval not parsed: %s", querier.lastInterval)
	}
	if !querier.lastFrom.Before(querier.lastTo) {
		t.Fatalf("time range not parsed: %s .. %s", querier.lastFrom, querier.lastTo)
	}

	var body struct {
		Interval string              `json:"interval"`
		Buckets  []aggregateResponse `json:"buckets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Interval != "4h0m0s" || len(body.Buckets) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Buckets[0].Count != 4 || body.Buckets[0].VolumeUSD != "96000000" {
		t.Fatalf("unexpected bucket: %+v", body.Buckets[0])
	}
}

func TestAggregateRejectsBadInterval(t *testing.T) {
	srv := newTestServer(&fakeQuerier{}, false)

	for _, target := range []string{
		"/api/alerts/aggregate?interval=soon",
		"/api/alerts/aggregate?interval=-1h",
		"/api/alerts/aggregate?interval=0d",
		"/api/alerts/aggregate?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z",
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for raw, want := range cases {
		got, err := parseInterval(raw)
		if err != nil || got != want {
			t.Fatalf("parseInterval(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := parseInterval("1y"); err == nil {
		t.Fatal("unsupported unit must be rejected")
	}
}

func TestStatsEndpoint(t *testing.T) {
	querier := &fakeQuerier{stats: storage.IngestStats{Count: 12, VolumeUSD: decimal.NewFromInt(96000000)}}
	srv := newTestServer(querier, true)

	req := httptest.NewRequest(http.MethodGet, "/api/stats?window=1h", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var body struct {
		Window    string `json:"window"`
		Count     int64  `json:"count"`
		VolumeUSD string `json:"volume_usd"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Window != "1h0m0s" || body.Count != 12 || body.VolumeUSD != "96000000" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
