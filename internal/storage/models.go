package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filter narrows alert queries on the read path.
type Filter struct {
	From         *time.Time
	To           *time.Time
	Symbol       string
	Blockchain   string
	MinAmountUSD *decimal.Decimal
	Limit        int
}

// IngestStats summarises stored alerts over a trailing window.
type IngestStats struct {
	Window    time.Duration
	Count     int64
	VolumeUSD decimal.Decimal
}

// AggregateRow is one time bucket of the aggregated alert history.
type AggregateRow struct {
	Bucket    time.Time
	Count     int64
	VolumeUSD decimal.Decimal
}
