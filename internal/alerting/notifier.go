package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whale-watcher/internal/alert"
)

// TelegramNotifier pushes collision reports through the Telegram Bot API so
// an operator can review the flagged records.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds the notifier. baseURL overrides the Telegram API
// host, mainly for tests.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// NotifyCollision sends one sendMessage call describing the colliding records.
func (n *TelegramNotifier) NotifyCollision(ctx context.Context, stored alert.StoredAlert, existing []alert.StoredAlert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderCollision(stored, existing),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected telegram status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("identity", stored.IdentityHash).
		Str("storage_key", stored.StorageKey).
		Msg("collision notification sent (Telegram)")
	return nil
}

func renderCollision(stored alert.StoredAlert, existing []alert.StoredAlert) string {
	builder := strings.Builder{}
	builder.WriteString("[Whale Watcher] identity hash collision\n")
	builder.WriteString(fmt.Sprintf("Identity: %s\n", stored.IdentityHash))
	builder.WriteString(fmt.Sprintf("New record: %s\n", describeRecord(stored)))
	for _, rec := range existing {
		builder.WriteString(fmt.Sprintf("Existing: %s\n", describeRecord(rec)))
	}
	builder.WriteString("All records under this identity are flagged for review.")
	return builder.String()
}

func describeRecord(rec alert.StoredAlert) string {
	return fmt.Sprintf("%s %s %s at %s (key %s)",
		rec.Amount.String(),
		rec.Symbol,
		rec.Blockchain,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.StorageKey,
	)
}
