package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/storage"
)

// Options configure the query surface.
type Options struct {
	Addr        string
	AuthEnabled bool
	Keys        []string
	KeyHeader   string
	Timeout     time.Duration
	MaxLimit    int
	StatsWindow time.Duration
}

// Server exposes the read-only query API over the alert store.
type Server struct {
	querier storage.AlertQuerier
	opts    Options
	logger  zerolog.Logger
	httpSrv *http.Server
}

// New builds the server and its routes.
func New(querier storage.AlertQuerier, opts Options, logger zerolog.Logger) *Server {
	if opts.KeyHeader == "" {
		opts.KeyHeader = "X-API-Key"
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 1000
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 24 * time.Hour
	}

	s := &Server{
		querier: querier,
		opts:    opts,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /api/alerts", s.requireKey(http.HandlerFunc(s.handleAlerts)))
	mux.Handle("GET /api/alerts/aggregate", s.requireKey(http.HandlerFunc(s.handleAggregate)))
	mux.Handle("GET /api/stats", s.requireKey(http.HandlerFunc(s.handleStats)))

	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}
	return s
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("query api listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, s.opts.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.querier.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(out),
		"alerts": out,
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	interval := time.Hour
	if raw := q.Get("interval"); raw != "" {
		parsed, err := parseInterval(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		interval = parsed
	}

	to := time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to timestamp %q", raw))
			return
		}
		to = t
	}
	from := to.Add(-7 * 24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from timestamp %q", raw))
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must precede to")
		return
	}

	rows, err := s.querier.Aggregate(r.Context(), interval, from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("aggregate query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	buckets := make([]aggregateResponse, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, aggregateResponse{
			Bucket:    row.Bucket.UTC().Format(time.RFC3339),
			Count:     row.Count,
			VolumeUSD: row.VolumeUSD.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interval": interval.String(),
		"buckets":  buckets,
	})
}

// parseInterval accepts Go durations plus day and week suffixes, so the
// conventional 15m/1h/4h/1d/1w intervals all work.
func parseInterval(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive")
		}
		return d, nil
	}

	var unit time.Duration
	switch {
	case strings.HasSuffix(raw, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(raw, "w"):
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return time.Duration(n) * unit, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := s.opts.StatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}

	stats, err := s.querier.Stats(r.Context(), window)
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":     window.String(),
		"count":      stats.Count,
		"volume_usd": stats.VolumeUSD.String(),
	})
}

// parseFilter maps query parameters onto a storage filter. Timestamps accept
// RFC3339; limit is clamped to the configured maximum.
func parseFilter(r *http.Request, maxLimit int) (storage.Filter, error) {
	q := r.URL.Query()
	var filter storage.Filter

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storage.Filter{}, fmt.Errorf("invalid from timestamp %q", raw)
		}
		filter.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storage.Filter{}, fmt.Errorf("invalid to timestamp %q", raw)
		}
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return storage.Filter{}, fmt.Errorf("from must precede to")
	}

	filter.Symbol = q.Get("symbol")
	filter.Blockchain = q.Get("blockchain")

	if raw := q.Get("min_usd"); raw != "" {
		min, err := decimal.NewFromString(raw)
		if err != nil || min.IsNegative() {
			return storage.Filter{}, fmt.Errorf("invalid min_usd %q", raw)
		}
		filter.MinAmountUSD = &min
	}

	filter.Limit = 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return storage.Filter{}, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = n
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}

	return filter, nil
}

// aggregateResponse is the wire shape of one aggregated bucket.
type aggregateResponse struct {
	Bucket    string `json:"bucket"`
	Count     int64  `json:"count"`
	VolumeUSD string `json:"volume_usd"`
}

// alertResponse is the wire shape of one stored alert. Decimals travel as
// strings to keep precision out of float hands.
type alertResponse struct {
	StorageKey      string `json:"storage_key"`
	IdentityHash    string `json:"identity_hash"`
	Timestamp       string `json:"timestamp"`
	Blockchain      string `json:"blockchain"`
	Symbol          string `json:"symbol"`
	Amount          string `json:"amount"`
	AmountUSD       string `json:"amount_usd,omitempty"`
	FromAddress     string `json:"from_address,omitempty"`
	ToAddress       string `json:"to_address,omitempty"`
	TxRef           string `json:"tx_ref,omitempty"`
	TransactionType string `json:"transaction_type,omitempty"`
	Collision       bool   `json:"collision"`
	CreatedAt       string `json:"created_at"`
}

func toResponse(rec alert.StoredAlert) alertResponse {
	resp := alertResponse{
		StorageKey:      rec.StorageKey,
		IdentityHash:    rec.IdentityHash,
		Timestamp:       rec.Timestamp.UTC().Format(time.RFC3339),
		Blockchain:      rec.Blockchain,
		Symbol:          rec.Symbol,
		Amount:          rec.Amount.String(),
		FromAddress:     rec.FromAddress,
		ToAddress:       rec.ToAddress,
		TxRef:           rec.TxRef,
		TransactionType: rec.TransactionType,
		Collision:       rec.Collision,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !rec.AmountUSD.IsZero() {
		resp.AmountUSD = rec.AmountUSD.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
