package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/deadletter"
	"whale-watcher/internal/dedup"
	"whale-watcher/internal/extractor"
	"whale-watcher/internal/retry"
)

// ErrDeadLettered marks a message that exhausted its retry budget and was
// diverted to the dead letter log instead of being persisted.
var ErrDeadLettered = errors.New("pipeline: message dead-lettered")

// CollisionNotifier is told about hash collisions so an operator can inspect
// the flagged records.
type CollisionNotifier interface {
	NotifyCollision(ctx context.Context, stored alert.StoredAlert, existing []alert.StoredAlert) error
}

// Options tune the worker pool and per-stage budgets.
type Options struct {
	Workers        int
	ExtractRetry   retry.Policy
	StoreRetry     retry.Policy
	ExtractTimeout time.Duration
	StoreTimeout   time.Duration
}

// Counters accumulate processing outcomes since startup.
type Counters struct {
	Processed    uint64
	New          uint64
	Duplicates   uint64
	Collisions   uint64
	DeadLettered uint64
}

// Pipeline drives messages from the listener through extraction,
// classification and persistence. A failed message never blocks or aborts its
// successors: each one either lands in storage or in the dead letter log.
type Pipeline struct {
	extractor extractor.Extractor
	dedup     *dedup.Deduplicator
	dead      deadletter.Log
	notifier  CollisionNotifier
	opts      Options
	logger    zerolog.Logger

	processed    atomic.Uint64
	fresh        atomic.Uint64
	duplicates   atomic.Uint64
	collisions   atomic.Uint64
	deadLettered atomic.Uint64
}

// New wires the pipeline. notifier may be nil to disable collision alerts.
func New(ex extractor.Extractor, d *dedup.Deduplicator, dead deadletter.Log, notifier CollisionNotifier, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	return &Pipeline{
		extractor: ex,
		dedup:     d,
		dead:      dead,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run consumes messages from in with a bounded worker pool until ctx is
// cancelled or in is closed. Per-message failures are contained; only ctx
// cancellation ends the run.
func (p *Pipeline) Run(ctx context.Context, in <-chan alert.RawMessage) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			log := p.logger.With().Int("worker", worker).Logger()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-in:
					if !ok {
						return nil
					}
					if _, err := p.ProcessMessage(ctx, msg); err != nil {
						if errors.Is(err, context.Canceled) {
							return ctx.Err()
						}
						log.Error().Err(err).Int64("message_id", msg.MessageID).Msg("message processing failed")
					}
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessMessage runs one message through both stages. On retry exhaustion the
// message is recorded in the dead letter log and ErrDeadLettered is returned;
// a non-nil error never means partial state was left behind.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg alert.RawMessage) (dedup.Decision, error) {
	p.processed.Add(1)

	candidate, err := p.extract(ctx, msg)
	if err != nil {
		return dedup.Decision{}, p.divert(ctx, deadletter.Entry{
			Stage:     deadletter.StageExtract,
			ChannelID: msg.ChannelID,
			MessageID: msg.MessageID,
			Text:      msg.Text,
			Err:       err.Error(),
		}, err)
	}

	return p.persist(ctx, msg, candidate)
}

// PersistCandidate runs an already-extracted candidate through classification
// and persistence, skipping the model call. Replay uses it for persist-stage
// entries so they get the same retry budget, dead-letter fallback, and
// collision notification as live traffic.
func (p *Pipeline) PersistCandidate(ctx context.Context, msg alert.RawMessage, candidate alert.Alert) (dedup.Decision, error) {
	p.processed.Add(1)
	return p.persist(ctx, msg, candidate)
}

func (p *Pipeline) persist(ctx context.Context, msg alert.RawMessage, candidate alert.Alert) (dedup.Decision, error) {
	decision, err := p.classify(ctx, candidate)
	if err != nil {
		return dedup.Decision{}, p.divert(ctx, deadletter.Entry{
			Stage:     deadletter.StagePersist,
			ChannelID: msg.ChannelID,
			MessageID: msg.MessageID,
			Text:      msg.Text,
			Err:       err.Error(),
			Alert:     &candidate,
		}, err)
	}

	switch decision.Class {
	case dedup.New:
		p.fresh.Add(1)
		p.logger.Info().
			Str("identity", decision.Stored.IdentityHash).
			Str("symbol", decision.Stored.Symbol).
			Str("amount", decision.Stored.Amount.String()).
			Msg("alert persisted")
	case dedup.Duplicate:
		p.duplicates.Add(1)
	case dedup.Collision:
		p.collisions.Add(1)
		p.notifyCollision(ctx, decision)
	}
	return decision, nil
}

// extract calls the model under the extraction retry policy. Responses that
// fail validation are deterministic and never retried.
func (p *Pipeline) extract(ctx context.Context, msg alert.RawMessage) (alert.Alert, error) {
	var candidate alert.Alert
	err := p.opts.ExtractRetry.Do(ctx, func() error {
		callCtx, cancel := p.stageContext(ctx, p.opts.ExtractTimeout)
		defer cancel()

		var err error
		candidate, err = p.extractor.Extract(callCtx, msg)
		if errors.Is(err, extractor.ErrInvalidResponse) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return alert.Alert{}, fmt.Errorf("extract: %w", err)
	}
	return candidate, nil
}

// classify runs deduplication and persistence under the storage retry policy.
// Validation failures are permanent; transient storage errors are retried and
// absorbed by the idempotent conditional insert.
func (p *Pipeline) classify(ctx context.Context, candidate alert.Alert) (dedup.Decision, error) {
	var decision dedup.Decision
	err := p.opts.StoreRetry.Do(ctx, func() error {
		callCtx, cancel := p.stageContext(ctx, p.opts.StoreTimeout)
		defer cancel()

		var err error
		decision, err = p.dedup.Classify(callCtx, candidate)
		if err != nil && candidate.Validate() != nil {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return dedup.Decision{}, fmt.Errorf("classify: %w", err)
	}
	return decision, nil
}

func (p *Pipeline) stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// divert records the failed message and reports the outcome. The original
// error always reaches the caller, even if the sink itself fails.
func (p *Pipeline) divert(ctx context.Context, entry deadletter.Entry, cause error) error {
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		return cause
	}
	p.deadLettered.Add(1)
	if err := p.dead.Record(entry); err != nil {
		p.logger.Error().Err(err).Int64("message_id", entry.MessageID).Msg("dead letter write failed")
		return fmt.Errorf("%w: %s (sink error: %v)", ErrDeadLettered, cause, err)
	}
	return fmt.Errorf("%w: %s", ErrDeadLettered, cause)
}

func (p *Pipeline) notifyCollision(ctx context.Context, decision dedup.Decision) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyCollision(ctx, decision.Stored, decision.Existing); err != nil {
		p.logger.Error().Err(err).Str("identity", decision.Stored.IdentityHash).Msg("collision notification failed")
	}
}

// Snapshot returns the counters accumulated since startup.
func (p *Pipeline) Snapshot() Counters {
	return Counters{
		Processed:    p.processed.Load(),
		New:          p.fresh.Load(),
		Duplicates:   p.duplicates.Load(),
		Collisions:   p.collisions.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}
