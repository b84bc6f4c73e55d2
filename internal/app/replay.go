package app

import (
	"context"
	"errors"

	"whale-watcher/internal/deadletter"
)

// Replay reprocesses dead-lettered messages through the pipeline. Entries that
// failed at the persist stage already carry their extracted candidate and skip
// the model call; extract-stage entries run the full path again. Either way
// the pipeline's retry budgets, timeouts, and collision notification apply,
// and entries that fail once more are appended back to the dead letter log.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	path := opts.Path
	if path == "" {
		path = a.Config.DeadLetter.Path
	}

	entries, err := deadletter.Read(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.Logger.Info().Str("path", path).Msg("dead letter log is empty")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx, a.Logger); err != nil {
		return err
	}

	dead, err := deadletter.NewFileSink(path, a.Logger)
	if err != nil {
		return err
	}
	defer dead.Close()

	pipe := a.newPipeline(store, dead)

	processed := 0
	failed := 0
	skipped := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if opts.Stage != "" && entry.Stage != opts.Stage {
			skipped++
			continue
		}

		if entry.Stage == deadletter.StagePersist && entry.Alert != nil {
			if _, err := pipe.PersistCandidate(ctx, entry.RawMessage(), *entry.Alert); err != nil {
				failed++
				a.Logger.Error().Err(err).Str("id", entry.ID.String()).Msg("replay persist failed")
			} else {
				processed++
			}
			continue
		}

		if _, err := pipe.ProcessMessage(ctx, entry.RawMessage()); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("id", entry.ID.String()).Msg("replay failed")
			continue
		}
		processed++
	}

	a.Logger.Info().
		Int("processed", processed).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("replay finished")
	if failed > 0 {
		return errors.New("some entries failed replay, see log")
	}
	return nil
}
