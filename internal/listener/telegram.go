package listener

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/retry"
)

// botAPI is the slice of the bot client the listener needs. Polling goes
// through GetUpdates directly so the reconnect policy, not the client's
// internal sleep loop, decides how failures are absorbed.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Telegram maintains the single long-lived subscription to the upstream
// channel. It owns the provisioned bot handle exclusively and does no parsing:
// channel posts are converted to RawMessage and handed downstream in arrival
// order.
type Telegram struct {
	api         botAPI
	channel     string
	pollTimeout int
	reconnect   retry.Policy
	logger      zerolog.Logger
}

// New dials the bot API with the previously-provisioned token and binds the
// listener to one channel username.
func New(token, channel string, pollTimeout int, reconnect retry.Policy, logger zerolog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newWithAPI(api, channel, pollTimeout, reconnect, logger), nil
}

func newWithAPI(api botAPI, channel string, pollTimeout int, reconnect retry.Policy, logger zerolog.Logger) *Telegram {
	return &Telegram{
		api:         api,
		channel:     strings.TrimPrefix(channel, "@"),
		pollTimeout: pollTimeout,
		reconnect:   reconnect,
		logger:      logger.With().Str("component", "listener").Str("channel", channel).Logger(),
	}
}

// Run blocks, long-polling the bot API and forwarding channel posts to out
// until ctx is cancelled. Each poll runs under the reconnect policy, so a
// dropped connection backs off and recovers without losing the offset; the
// upstream redelivers anything not yet acknowledged.
func (l *Telegram) Run(ctx context.Context, out chan<- alert.RawMessage) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := l.poll(ctx, offset)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		for _, update := range batch {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			msg, ok := l.channelPost(update)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case out <- msg:
			}
		}
	}
}

// poll fetches one batch of updates, retrying per the reconnect policy.
func (l *Telegram) poll(ctx context.Context, offset int) ([]tgbotapi.Update, error) {
	var batch []tgbotapi.Update
	err := l.reconnect.Do(ctx, func() error {
		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = l.pollTimeout

		var pollErr error
		batch, pollErr = l.api.GetUpdates(cfg)
		if pollErr != nil {
			l.logger.Warn().Err(pollErr).Int("offset", offset).Msg("poll failed, backing off")
		}
		return pollErr
	})
	return batch, err
}

// channelPost filters an update down to a text post from the subscribed
// channel.
func (l *Telegram) channelPost(update tgbotapi.Update) (alert.RawMessage, bool) {
	post := update.ChannelPost
	if post == nil || post.Chat == nil {
		return alert.RawMessage{}, false
	}
	if !strings.EqualFold(post.Chat.UserName, l.channel) {
		return alert.RawMessage{}, false
	}
	if post.Text == "" {
		l.logger.Debug().Int("message_id", post.MessageID).Msg("skipping non-text post")
		return alert.RawMessage{}, false
	}
	return alert.RawMessage{
		ChannelID:  post.Chat.UserName,
		MessageID:  int64(post.MessageID),
		ReceivedAt: time.Unix(int64(post.Date), 0).UTC(),
		Text:       post.Text,
	}, true
}
