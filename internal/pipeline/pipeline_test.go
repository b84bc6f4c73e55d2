package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/deadletter"
	"whale-watcher/internal/dedup"
	"whale-watcher/internal/extractor"
	"whale-watcher/internal/retry"
)

// parseExtractor derives a candidate from the message text so tests control
// extraction without a model. Text "bad" fails validation; "flaky:N" succeeds
// after N transport failures.
type parseExtractor struct {
	mu       sync.Mutex
	failures map[string]int
}

func (f *parseExtractor) Extract(_ context.Context, msg alert.RawMessage) (alert.Alert, error) {
	if msg.Text == "bad" {
		return alert.Alert{}, fmt.Errorf("%w: missing symbol", extractor.ErrInvalidResponse)
	}
	if n, ok := strings.CutPrefix(msg.Text, "flaky:"); ok {
		f.mu.Lock()
		remaining := f.failures[n]
		if remaining > 0 {
			f.failures[n] = remaining - 1
			f.mu.Unlock()
			return alert.Alert{}, errors.New("rate limited")
		}
		f.mu.Unlock()
	}
	return alert.Alert{
		Blockchain:      "bitcoin",
		Symbol:          "BTC",
		Amount:          decimal.NewFromInt(msg.MessageID),
		TxRef:           fmt.Sprintf("tx-%d", msg.MessageID),
		Timestamp:       msg.ReceivedAt,
		SourceMessageID: msg.MessageID,
	}, nil
}

type memStore struct {
	mu        sync.Mutex
	byKey     map[string]alert.StoredAlert
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]alert.StoredAlert)}
}

func (m *memStore) TryInsertAlert(_ context.Context, rec alert.StoredAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	if _, ok := m.byKey[rec.StorageKey]; ok {
		return false, nil
	}
	m.byKey[rec.StorageKey] = rec
	return true, nil
}

func (m *memStore) ListByIdentity(_ context.Context, identityHash string) ([]alert.StoredAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.StoredAlert
	for _, rec := range m.byKey {
		if rec.IdentityHash == identityHash {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) InsertCollisionSibling(_ context.Context, rec alert.StoredAlert) (alert.StoredAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, existing := range m.byKey {
		if existing.IdentityHash == rec.IdentityHash {
			n++
		}
	}
	rec.StorageKey = fmt.Sprintf("%s#%d", rec.IdentityHash, n)
	rec.Collision = true
	m.byKey[rec.StorageKey] = rec
	return rec, nil
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

type memDeadLetter struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (m *memDeadLetter) Record(entry deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memDeadLetter) all() []deadletter.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deadletter.Entry(nil), m.entries...)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestPipeline(store *memStore, dead *memDeadLetter, notifier CollisionNotifier, ex extractor.Extractor) *Pipeline {
	if ex == nil {
		ex = &parseExtractor{failures: map[string]int{}}
	}
	d := dedup.NewDeduplicator(store, alert.DefaultIdentityBucket, zerolog.Nop())
	return New(ex, d, dead, notifier, Options{
		Workers:      2,
		ExtractRetry: fastPolicy(3),
		StoreRetry:   fastPolicy(3),
	}, zerolog.Nop())
}

func rawMessage(id int64, text string) alert.RawMessage {
	return alert.RawMessage{
		ChannelID:  "whale_alert",
		MessageID:  id,
		ReceivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Text:       text,
	}
}

func TestRunContainsPerMessageFailures(t *testing.T) {
	store := newMemStore()
	dead := &memDeadLetter{}
	p := newTestPipeline(store, dead, nil, nil)

	in := make(chan alert.RawMessage, 3)
	in <- rawMessage(1, "1 BTC moved")
	in <- rawMessage(2, "bad")
	in <- rawMessage(3, "3 BTC moved")
	close(in)

	if err := p.Run(context.Background(), in); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if store.size() != 2 {
		t.Fatalf("healthy messages must persist despite a failing sibling, have %d", store.size())
	}
	entries := dead.all()
	if len(entries) != 1 || entries[0].Stage != deadletter.StageExtract || entries[0].MessageID != 2 {
		t.Fatalf("unexpected dead letter entries: %+v", entries)
	}

	counters := p.Snapshot()
	if counters.Processed != 3 || counters.New != 2 || counters.DeadLettered != 1 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestProcessMessageIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &memDeadLetter{}, nil, nil)

	msg := rawMessage(7, "700 BTC moved")
	first, err := p.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	second, err := p.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	if first.Class != dedup.New || second.Class != dedup.Duplicate {
		t.Fatalf("expected New then Duplicate, got %s then %s", first.Class, second.Class)
	}
	if store.size() != 1 {
		t.Fatalf("redelivery must not add records, have %d", store.size())
	}
}

func TestProcessMessageRetriesTransientExtraction(t *testing.T) {
	store := newMemStore()
	ex := &parseExtractor{failures: map[string]int{"once": 1}}
	p := newTestPipeline(store, &memDeadLetter{}, nil, ex)

	decision, err := p.ProcessMessage(context.Background(), rawMessage(9, "flaky:once"))
	if err != nil {
		t.Fatalf("transient failure should be retried away: %v", err)
	}
	if decision.Class != dedup.New {
		t.Fatalf("expected New, got %s", decision.Class)
	}
}

func TestProcessMessageDeadLettersOnPersistExhaustion(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("connection reset")
	dead := &memDeadLetter{}
	p := newTestPipeline(store, dead, nil, nil)

	_, err := p.ProcessMessage(context.Background(), rawMessage(5, "500 BTC moved"))
	if !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("expected ErrDeadLettered, got %v", err)
	}

	entries := dead.all()
	if len(entries) != 1 || entries[0].Stage != deadletter.StagePersist {
		t.Fatalf("unexpected dead letter entries: %+v", entries)
	}
	if entries[0].Alert == nil || entries[0].Alert.Symbol != "BTC" {
		t.Fatalf("persist-stage entry must carry the extracted candidate: %+v", entries[0].Alert)
	}
}

func TestPersistCandidateSkipsExtraction(t *testing.T) {
	store := newMemStore()
	// An extractor that always fails proves the model is never consulted.
	ex := &parseExtractor{failures: map[string]int{"always": 1 << 30}}
	p := newTestPipeline(store, &memDeadLetter{}, nil, ex)

	candidate := alert.Alert{
		Blockchain: "bitcoin",
		Symbol:     "BTC",
		Amount:     decimal.NewFromInt(800),
		TxRef:      "tx-replayed",
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	decision, err := p.PersistCandidate(context.Background(), rawMessage(8, "flaky:always"), candidate)
	if err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if decision.Class != dedup.New || store.size() != 1 {
		t.Fatalf("candidate not persisted: class=%s size=%d", decision.Class, store.size())
	}
}

func TestPersistCandidateReappendsOnRenewedFailure(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("connection reset")
	dead := &memDeadLetter{}
	p := newTestPipeline(store, dead, nil, nil)

	candidate := alert.Alert{
		Blockchain: "bitcoin",
		Symbol:     "BTC",
		Amount:     decimal.NewFromInt(800),
		TxRef:      "tx-replayed",
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	_, err := p.PersistCandidate(context.Background(), rawMessage(8, "800 BTC moved"), candidate)
	if !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("renewed failure must dead-letter again, got %v", err)
	}

	entries := dead.all()
	if len(entries) != 1 || entries[0].Stage != deadletter.StagePersist {
		t.Fatalf("unexpected dead letter entries: %+v", entries)
	}
	if entries[0].Alert == nil || entries[0].Alert.TxRef != "tx-replayed" {
		t.Fatalf("re-appended entry must keep the candidate: %+v", entries[0].Alert)
	}
}

type memNotifier struct {
	mu    sync.Mutex
	calls int
}

func (m *memNotifier) NotifyCollision(context.Context, alert.StoredAlert, []alert.StoredAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func TestCollisionTriggersNotification(t *testing.T) {
	store := newMemStore()
	notifier := &memNotifier{}
	p := newTestPipeline(store, &memDeadLetter{}, notifier, nil)

	msg := rawMessage(11, "1,100 BTC moved")
	if _, err := p.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	// Mutate the stored content so the rerun of the same identity no longer
	// compares equal and must be treated as a collision.
	store.mu.Lock()
	for key, rec := range store.byKey {
		rec.Amount = rec.Amount.Add(decimal.NewFromInt(1))
		store.byKey[key] = rec
	}
	store.mu.Unlock()

	decision, err := p.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("collision pass failed: %v", err)
	}
	if decision.Class != dedup.Collision {
		t.Fatalf("expected Collision, got %s", decision.Class)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.calls)
	}
}
