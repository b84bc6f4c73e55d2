package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-watcher/internal/alert"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSiblingConflict reports that a concurrent writer claimed the same
	// collision-sibling key; the caller should retry so the suffix is
	// recomputed.
	ErrSiblingConflict = errors.New("storage: collision sibling key already taken")
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS whale_alerts (
        storage_key       TEXT NOT NULL,
        identity_hash     TEXT NOT NULL,
        ts                TIMESTAMPTZ NOT NULL,
        blockchain        TEXT NOT NULL,
        symbol            TEXT NOT NULL,
        amount            NUMERIC(36,18) NOT NULL,
        amount_usd        NUMERIC(36,2),
        from_address      TEXT,
        to_address        TEXT,
        tx_ref            TEXT,
        transaction_type  TEXT,
        source_message_id BIGINT,
        collision         BOOLEAN NOT NULL DEFAULT FALSE,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createUniqueKeySQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_whale_alerts_storage_key
        ON whale_alerts (storage_key);`

	createIndexesSQL = `CREATE INDEX IF NOT EXISTS idx_whale_alerts_identity_hash ON whale_alerts (identity_hash);
    CREATE INDEX IF NOT EXISTS idx_whale_alerts_ts ON whale_alerts (ts DESC);
    CREATE INDEX IF NOT EXISTS idx_whale_alerts_symbol ON whale_alerts (symbol);`

	createExtensionSQL  = `CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;`
	createHypertableSQL = `SELECT create_hypertable('whale_alerts', 'ts', if_not_exists => TRUE, migrate_data => TRUE);`

	insertAlertSQL = `INSERT INTO whale_alerts (
        storage_key,
        identity_hash,
        ts,
        blockchain,
        symbol,
        amount,
        amount_usd,
        from_address,
        to_address,
        tx_ref,
        transaction_type,
        source_message_id,
        collision
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (storage_key) DO NOTHING;`

	alertColumns = `storage_key,
        identity_hash,
        ts,
        blockchain,
        symbol,
        amount,
        amount_usd,
        from_address,
        to_address,
        tx_ref,
        transaction_type,
        source_message_id,
        collision,
        created_at`

	listByIdentitySQL = `SELECT ` + alertColumns + `
    FROM whale_alerts
    WHERE identity_hash = $1
    ORDER BY created_at;`

	countByIdentitySQL = `SELECT COUNT(*) FROM whale_alerts WHERE identity_hash = $1;`

	flagCollisionSQL = `UPDATE whale_alerts SET collision = TRUE WHERE identity_hash = $1;`

	listRecentSQL = `SELECT ` + alertColumns + `
    FROM whale_alerts
    ORDER BY ts DESC
    LIMIT $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM whale_alerts;`

	ingestStatsSQL = `SELECT COUNT(*), COALESCE(SUM(amount_usd), 0)
    FROM whale_alerts
    WHERE ts >= $1;`

	// Epoch-floor bucketing works on plain Postgres too, so the aggregate
	// query stays valid when the hypertable conversion was skipped.
	aggregateSQL = `SELECT to_timestamp(floor(extract(epoch FROM ts) / $1) * $1) AS bucket,
        COUNT(*),
        COALESCE(SUM(amount_usd), 0)
    FROM whale_alerts
    WHERE ts >= $2 AND ts < $3
    GROUP BY bucket
    ORDER BY bucket;`
)

// AlertStore defines the pipeline-facing persistence operations.
type AlertStore interface {
	TryInsertAlert(ctx context.Context, rec alert.StoredAlert) (bool, error)
	ListByIdentity(ctx context.Context, identityHash string) ([]alert.StoredAlert, error)
	InsertCollisionSibling(ctx context.Context, rec alert.StoredAlert) (alert.StoredAlert, error)
}

// AlertQuerier defines the read-path operations used by the query surface.
type AlertQuerier interface {
	ListAlerts(ctx context.Context, filter Filter) ([]alert.StoredAlert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]alert.StoredAlert, error)
	Stats(ctx context.Context, window time.Duration) (IngestStats, error)
	Aggregate(ctx context.Context, interval time.Duration, from, to time.Time) ([]AggregateRow, error)
}

// Store provides pgx-backed persistence for whale alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the whale_alerts table, its indexes, and attempts the
// TimescaleDB hypertable conversion. The unique storage-key index is the
// dedup correctness primitive and always wins: if the hypertable conversion
// rejects it the store stays a plain table and only logs a warning.
func (s *Store) EnsureSchema(ctx context.Context, logger zerolog.Logger) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, createExtensionSQL); err != nil {
		logger.Warn().Err(err).Msg("timescaledb extension unavailable, continuing with plain postgres")
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create whale_alerts table: %w", err)
	}
	if _, err := pool.Exec(ctx, createUniqueKeySQL); err != nil {
		return fmt.Errorf("create storage key index: %w", err)
	}
	if _, err := pool.Exec(ctx, createIndexesSQL); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if _, err := pool.Exec(ctx, createHypertableSQL); err != nil {
		logger.Warn().Err(err).Msg("hypertable conversion skipped")
	}

	return nil
}

// TryInsertAlert performs the atomic conditional insert keyed by storage key.
// It reports whether the row was inserted; false means the key was already
// registered and the caller must run the content comparison.
func (s *Store) TryInsertAlert(ctx context.Context, rec alert.StoredAlert) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertAlertSQL, insertArgs(rec)...)
	if execErr != nil {
		return false, fmt.Errorf("insert alert: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListByIdentity returns every stored record sharing an identity hash,
// oldest first.
func (s *Store) ListByIdentity(ctx context.Context, identityHash string) ([]alert.StoredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listByIdentitySQL, identityHash)
	if queryErr != nil {
		return nil, fmt.Errorf("list by identity: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// InsertCollisionSibling stores a record whose identity hash is already taken
// by different content. The sibling gets a disambiguated storage key
// ("hash#n") and every record under the hash is flagged as colliding, all in
// one transaction. A concurrent writer racing for the same suffix surfaces as
// ErrSiblingConflict, which is safe to retry.
func (s *Store) InsertCollisionSibling(ctx context.Context, rec alert.StoredAlert) (alert.StoredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.StoredAlert{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return alert.StoredAlert{}, fmt.Errorf("begin collision tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int64
	if err := tx.QueryRow(ctx, countByIdentitySQL, rec.IdentityHash).Scan(&existing); err != nil {
		return alert.StoredAlert{}, fmt.Errorf("count identity siblings: %w", err)
	}

	rec.StorageKey = fmt.Sprintf("%s#%d", rec.IdentityHash, existing)
	rec.Collision = true

	cmdTag, execErr := tx.Exec(ctx, insertAlertSQL, insertArgs(rec)...)
	if execErr != nil {
		return alert.StoredAlert{}, fmt.Errorf("insert collision sibling: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return alert.StoredAlert{}, ErrSiblingConflict
	}

	if _, execErr := tx.Exec(ctx, flagCollisionSQL, rec.IdentityHash); execErr != nil {
		return alert.StoredAlert{}, fmt.Errorf("flag collision: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return alert.StoredAlert{}, fmt.Errorf("commit collision tx: %w", err)
	}
	return rec, nil
}

// ListAlerts returns stored alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter Filter) ([]alert.StoredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildListQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// ListRecentAlerts returns the most recent alerts ordered by descending time.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]alert.StoredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// Stats summarises count and USD volume over a trailing window.
func (s *Store) Stats(ctx context.Context, window time.Duration) (IngestStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return IngestStats{}, err
	}

	since := time.Now().UTC().Add(-window)
	var count int64
	var volumeStr string
	if scanErr := pool.QueryRow(ctx, ingestStatsSQL, since).Scan(&count, &volumeStr); scanErr != nil {
		return IngestStats{}, fmt.Errorf("ingest stats: %w", scanErr)
	}

	volume, convErr := decimal.NewFromString(volumeStr)
	if convErr != nil {
		return IngestStats{}, fmt.Errorf("parse volume: %w", convErr)
	}

	return IngestStats{Window: window, Count: count, VolumeUSD: volume}, nil
}

// Aggregate groups alerts into fixed intervals between from (inclusive) and
// to (exclusive), returning count and USD volume per bucket, oldest first.
func (s *Store) Aggregate(ctx context.Context, interval time.Duration, from, to time.Time) ([]AggregateRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("aggregate interval must be positive")
	}

	rows, queryErr := pool.Query(ctx, aggregateSQL, int64(interval.Seconds()), from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("aggregate alerts: %w", queryErr)
	}
	defer rows.Close()

	result := make([]AggregateRow, 0)
	for rows.Next() {
		var (
			row       AggregateRow
			volumeStr string
		)
		if err := rows.Scan(&row.Bucket, &row.Count, &volumeStr); err != nil {
			return nil, err
		}
		volume, convErr := decimal.NewFromString(volumeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse bucket volume: %w", convErr)
		}
		row.VolumeUSD = volume
		result = append(result, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return result, nil
}

func buildListQuery(filter Filter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.From != nil {
		add("ts >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("ts < $%d", filter.To.UTC())
	}
	if filter.Symbol != "" {
		add("LOWER(symbol) = LOWER($%d)", filter.Symbol)
	}
	if filter.Blockchain != "" {
		add("LOWER(blockchain) = LOWER($%d)", filter.Blockchain)
	}
	if filter.MinAmountUSD != nil {
		add("amount_usd >= $%d", filter.MinAmountUSD.String())
	}

	query := "SELECT " + alertColumns + " FROM whale_alerts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d;", len(args))

	return query, args
}

func insertArgs(rec alert.StoredAlert) []interface{} {
	var amountUSD interface{}
	if !rec.AmountUSD.IsZero() {
		amountUSD = rec.AmountUSD.String()
	}

	return []interface{}{
		rec.StorageKey,
		rec.IdentityHash,
		rec.Timestamp.UTC(),
		rec.Blockchain,
		rec.Symbol,
		rec.Amount.String(),
		amountUSD,
		nullable(rec.FromAddress),
		nullable(rec.ToAddress),
		nullable(rec.TxRef),
		nullable(rec.TransactionType),
		rec.SourceMessageID,
		rec.Collision,
	}
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func collectAlerts(rows pgx.Rows) ([]alert.StoredAlert, error) {
	records := make([]alert.StoredAlert, 0)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanAlert(rows pgx.Rows) (alert.StoredAlert, error) {
	var (
		rec             alert.StoredAlert
		ts              time.Time
		amountStr       string
		amountUSD       sql.NullString
		fromAddress     sql.NullString
		toAddress       sql.NullString
		txRef           sql.NullString
		transactionType sql.NullString
		sourceMessageID sql.NullInt64
	)

	if err := rows.Scan(
		&rec.StorageKey,
		&rec.IdentityHash,
		&ts,
		&rec.Blockchain,
		&rec.Symbol,
		&amountStr,
		&amountUSD,
		&fromAddress,
		&toAddress,
		&txRef,
		&transactionType,
		&sourceMessageID,
		&rec.Collision,
		&rec.CreatedAt,
	); err != nil {
		return alert.StoredAlert{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return alert.StoredAlert{}, fmt.Errorf("parse amount: %w", err)
	}

	rec.Timestamp = ts
	rec.Amount = amount
	if amountUSD.Valid {
		usd, convErr := decimal.NewFromString(amountUSD.String)
		if convErr != nil {
			return alert.StoredAlert{}, fmt.Errorf("parse amount usd: %w", convErr)
		}
		rec.AmountUSD = usd
	}
	if fromAddress.Valid {
		rec.FromAddress = fromAddress.String
	}
	if toAddress.Valid {
		rec.ToAddress = toAddress.String
	}
	if txRef.Valid {
		rec.TxRef = txRef.String
	}
	if transactionType.Valid {
		rec.TransactionType = transactionType.String
	}
	if sourceMessageID.Valid {
		rec.SourceMessageID = sourceMessageID.Int64
	}

	return rec, nil
}
