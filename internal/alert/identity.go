package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultIdentityBucket is the time granularity used to group alerts that
// carry no on-chain transaction reference. Wider buckets collapse more
// repeated same-size transfers into one identity; the value is a tunable
// precision/recall trade-off, not a constant.
const DefaultIdentityBucket = 5 * time.Minute

// amountPlaces bounds the decimal places folded into the identity so that
// formatting differences between extractions ("1200" vs "1200.00") cannot
// split one transfer into two identities.
const amountPlaces = 8

// Identity computes the deterministic identity hash for an alert: a truncated
// sha256 over the canonical projection. When a transaction reference is
// present it alone (with the chain) identifies the transfer; otherwise the
// projection falls back to chain, asset, amount, address pair, and the time
// bucket.
func (a Alert) Identity(bucket time.Duration) string {
	sum := sha256.Sum256([]byte(a.projection(bucket)))
	return hex.EncodeToString(sum[:16])
}

func (a Alert) projection(bucket time.Duration) string {
	chain := canonLabel(a.Blockchain)
	if ref := canonLabel(a.TxRef); ref != "" {
		return "tx:" + chain + ":" + ref
	}
	if bucket <= 0 {
		bucket = DefaultIdentityBucket
	}
	return fmt.Sprintf("ts:%s:%s:%s:%s:%s:%d",
		chain,
		canonLabel(a.Symbol),
		a.Amount.Round(amountPlaces).String(),
		canonLabel(a.FromAddress),
		canonLabel(a.ToAddress),
		a.Timestamp.UTC().Truncate(bucket).Unix(),
	)
}

// Equivalent reports whether two alerts denote the same real-world transfer
// under the normalization policy. The hash is lossy, so this full-content
// comparison is the arbiter between a duplicate and a genuine collision. USD
// estimates and transaction-type wording are excluded: they vary between
// phrasings of the same transfer.
func Equivalent(a, b Alert, bucket time.Duration) bool {
	return a.projection(bucket) == b.projection(bucket) &&
		canonLabel(a.Symbol) == canonLabel(b.Symbol) &&
		a.Amount.Round(amountPlaces).Equal(b.Amount.Round(amountPlaces)) &&
		canonLabel(a.FromAddress) == canonLabel(b.FromAddress) &&
		canonLabel(a.ToAddress) == canonLabel(b.ToAddress)
}

// canonLabel lower-cases, trims, and collapses internal whitespace. Labels
// that only say the counterparty is unknown canonicalize to the empty string
// so that "unknown wallet" and an absent address are the same thing.
func canonLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Join(strings.Fields(v), " ")
	switch v {
	case "unknown", "unknown wallet", "unknown owner", "n/a", "null":
		return ""
	}
	return v
}
