package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/storage"
)

// Class is the outcome of classifying one candidate.
type Class int

const (
	// New means the identity was registered and the record persisted.
	New Class = iota
	// Duplicate means an equivalent record already exists; nothing written.
	Duplicate
	// Collision means the identity hash was taken by different content; a
	// disambiguated sibling was persisted and all records under the hash
	// were flagged.
	Collision
)

func (c Class) String() string {
	switch c {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Collision:
		return "collision"
	default:
		return "unknown"
	}
}

// Decision carries the classification plus the stored record. For Duplicate,
// Stored is the pre-existing record; for Collision, Stored is the sibling
// written for the candidate and Existing holds the conflicting originals.
type Decision struct {
	Class    Class
	Stored   alert.StoredAlert
	Existing []alert.StoredAlert
}

// Deduplicator classifies candidates against the persistence layer. The
// storage unique constraint, not application state, arbitrates races between
// concurrent workers.
type Deduplicator struct {
	store  storage.AlertStore
	bucket time.Duration
	logger zerolog.Logger
}

// NewDeduplicator constructs a Deduplicator with the given identity bucket
// width.
func NewDeduplicator(store storage.AlertStore, bucket time.Duration, logger zerolog.Logger) *Deduplicator {
	if bucket <= 0 {
		bucket = alert.DefaultIdentityBucket
	}
	return &Deduplicator{
		store:  store,
		bucket: bucket,
		logger: logger.With().Str("component", "dedup").Logger(),
	}
}

// Classify registers the candidate's identity via the storage layer's atomic
// conditional insert, then resolves conflicts by full-content comparison: the
// hash is lossy, so hash equality alone never decides between duplicate and
// collision.
func (d *Deduplicator) Classify(ctx context.Context, candidate alert.Alert) (Decision, error) {
	if err := candidate.Validate(); err != nil {
		return Decision{}, err
	}

	identity := candidate.Identity(d.bucket)
	rec := alert.StoredAlert{
		Alert:        candidate,
		IdentityHash: identity,
		StorageKey:   identity,
	}

	inserted, err := d.store.TryInsertAlert(ctx, rec)
	if err != nil {
		return Decision{}, fmt.Errorf("register identity: %w", err)
	}
	if inserted {
		return Decision{Class: New, Stored: rec}, nil
	}

	existing, err := d.store.ListByIdentity(ctx, identity)
	if err != nil {
		return Decision{}, fmt.Errorf("fetch existing records: %w", err)
	}
	if len(existing) == 0 {
		// The conflicting row vanished between insert and fetch. Records are
		// never deleted in normal operation, so surface it for a retry.
		return Decision{}, fmt.Errorf("identity %s conflicted but no record found", identity)
	}

	for _, prior := range existing {
		if alert.Equivalent(candidate, prior.Alert, d.bucket) {
			d.logger.Debug().Str("identity", identity).Msg("duplicate candidate dropped")
			return Decision{Class: Duplicate, Stored: prior, Existing: existing}, nil
		}
	}

	sibling, err := d.store.InsertCollisionSibling(ctx, rec)
	if err != nil {
		return Decision{}, fmt.Errorf("persist collision sibling: %w", err)
	}

	d.logger.Warn().
		Str("identity", identity).
		Str("storage_key", sibling.StorageKey).
		Int("existing", len(existing)).
		Msg("identity hash collision recorded")

	return Decision{Class: Collision, Stored: sibling, Existing: existing}, nil
}
