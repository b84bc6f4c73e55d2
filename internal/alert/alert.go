package alert

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// RawMessage is one message as received from the upstream channel. It only
// lives for the duration of a single pipeline run.
type RawMessage struct {
	ChannelID  string
	MessageID  int64
	ReceivedAt time.Time
	Text       string
}

// Alert is the structured candidate extracted from a raw message. Blockchain,
// Symbol, Amount, and Timestamp are mandatory; everything else may be absent.
type Alert struct {
	Blockchain      string
	Symbol          string
	Amount          decimal.Decimal
	AmountUSD       decimal.Decimal
	FromAddress     string
	ToAddress       string
	TxRef           string
	TransactionType string
	Timestamp       time.Time
	SourceMessageID int64
}

var (
	ErrMissingBlockchain = errors.New("alert: missing blockchain")
	ErrMissingSymbol     = errors.New("alert: missing symbol")
	ErrInvalidAmount     = errors.New("alert: amount must be positive")
	ErrMissingTimestamp  = errors.New("alert: missing timestamp")
)

// Validate rejects candidates missing a mandatory field.
func (a Alert) Validate() error {
	if a.Blockchain == "" {
		return ErrMissingBlockchain
	}
	if a.Symbol == "" {
		return ErrMissingSymbol
	}
	if !a.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if a.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// StoredAlert is an accepted alert as persisted. StorageKey is the storage
// uniqueness key: equal to IdentityHash for the first record per hash, and
// "hash#n" for disambiguated collision siblings.
type StoredAlert struct {
	Alert
	IdentityHash string
	StorageKey   string
	Collision    bool
	CreatedAt    time.Time
}
