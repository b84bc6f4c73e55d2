package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/retry"
)

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// scriptedBot serves a fixed sequence of poll results, then cancels the run
// context so Run winds down like a real shutdown.
type scriptedBot struct {
	mu      sync.Mutex
	script  []pollResult
	offsets []int
	finish  context.CancelFunc
}

func (b *scriptedBot) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets = append(b.offsets, cfg.Offset)
	if len(b.script) == 0 {
		if b.finish != nil {
			b.finish()
		}
		return nil, nil
	}
	next := b.script[0]
	b.script = b.script[1:]
	return next.updates, next.err
}

func testListener(bot *scriptedBot, attempts int) *Telegram {
	policy := retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return newWithAPI(bot, "@whale_alert", 30, policy, zerolog.Nop())
}

func channelUpdate(updateID, messageID int, channel, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		ChannelPost: &tgbotapi.Message{
			MessageID: messageID,
			Date:      1714564800,
			Text:      text,
			Chat:      &tgbotapi.Chat{UserName: channel},
		},
	}
}

func TestRunPreservesArrivalOrderAndAdvancesOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot := &scriptedBot{
		script: []pollResult{
			{updates: []tgbotapi.Update{
				channelUpdate(100, 1, "whale_alert", "first"),
				channelUpdate(101, 2, "whale_alert", "second"),
			}},
			{updates: []tgbotapi.Update{
				channelUpdate(102, 3, "whale_alert", "third"),
			}},
		},
		finish: cancel,
	}
	l := testListener(bot, 1)

	out := make(chan alert.RawMessage, 3)
	if err := l.Run(ctx, out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	close(out)

	var ids []int64
	for msg := range out {
		ids = append(ids, msg.MessageID)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("messages reordered: %v", ids)
	}

	// First poll from zero, then past each batch's last update id.
	if len(bot.offsets) < 3 || bot.offsets[0] != 0 || bot.offsets[1] != 102 || bot.offsets[2] != 103 {
		t.Fatalf("offset not advanced correctly: %v", bot.offsets)
	}
}

func TestRunRecoversFromPollFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot := &scriptedBot{
		script: []pollResult{
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{updates: []tgbotapi.Update{channelUpdate(200, 7, "whale_alert", "after outage")}},
		},
		finish: cancel,
	}
	l := testListener(bot, 5)

	out := make(chan alert.RawMessage, 1)
	if err := l.Run(ctx, out); err != nil {
		t.Fatalf("run should absorb transient poll failures: %v", err)
	}
	close(out)

	msg, ok := <-out
	if !ok || msg.MessageID != 7 {
		t.Fatalf("message after outage not delivered: %+v", msg)
	}
	if len(bot.offsets) < 3 {
		t.Fatalf("expected retried polls, got %d", len(bot.offsets))
	}
}

func TestRunFailsWhenRetryBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot := &scriptedBot{
		script: []pollResult{
			{err: errors.New("unauthorized")},
			{err: errors.New("unauthorized")},
		},
		finish: cancel,
	}
	l := testListener(bot, 2)

	out := make(chan alert.RawMessage, 1)
	if err := l.Run(ctx, out); err == nil {
		t.Fatal("expected error once the poll retry budget is spent")
	}
}

func TestRunFiltersForeignAndEmptyPosts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot := &scriptedBot{
		script: []pollResult{
			{updates: []tgbotapi.Update{
				channelUpdate(300, 1, "other_channel", "noise"),
				channelUpdate(301, 2, "whale_alert", ""),
				{UpdateID: 302}, // not a channel post at all
				channelUpdate(303, 3, "Whale_Alert", "kept, username match is case-insensitive"),
			}},
		},
		finish: cancel,
	}
	l := testListener(bot, 1)

	out := make(chan alert.RawMessage, 4)
	if err := l.Run(ctx, out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	close(out)

	var got []alert.RawMessage
	for msg := range out {
		got = append(got, msg)
	}
	if len(got) != 1 || got[0].MessageID != 3 {
		t.Fatalf("expected only the matching post, got %+v", got)
	}
	if got[0].ReceivedAt != time.Unix(1714564800, 0).UTC() {
		t.Fatalf("receipt time not normalized to UTC: %s", got[0].ReceivedAt)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := testListener(&scriptedBot{}, 1)
	out := make(chan alert.RawMessage)
	if err := l.Run(ctx, out); err != nil {
		t.Fatalf("cancelled run must stop cleanly: %v", err)
	}
}
