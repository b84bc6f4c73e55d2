package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"whale-watcher/internal/alert"
)

// ErrInvalidResponse marks a model response that failed schema validation.
var ErrInvalidResponse = errors.New("extractor: model response failed validation")

// Extractor converts one raw message into a structured candidate. The model
// provider hides behind this interface so pipeline logic never touches it.
type Extractor interface {
	Extract(ctx context.Context, msg alert.RawMessage) (alert.Alert, error)
}

// chatClient is the slice of the OpenAI client the extractor needs.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configure the OpenAI-backed extractor.
type Options struct {
	Model        string
	Temperature  float64
	MaxTextRunes int
}

// OpenAI extracts structured transfer data via a chat-completion call with a
// fixed instruction template and a pinned low temperature.
type OpenAI struct {
	client       chatClient
	model        string
	temperature  float32
	maxTextRunes int
	logger       zerolog.Logger
}

const systemPrompt = `You are an expert at parsing whale-alert messages announcing large cryptocurrency transfers.
Extract from the message:
- timestamp of the transfer in RFC3339 format (use the message timestamp if none is stated)
- blockchain name
- cryptocurrency symbol (e.g. BTC, ETH)
- amount of cryptocurrency transferred
- USD value of the transfer
- source address or label (null if unknown)
- destination address or label (null if unknown)
- transaction type (transfer, deposit, withdrawal, mint, burn)
- on-chain transaction hash or reference (null if the message does not contain one; never invent one)

Respond with a single JSON object using exactly these keys:
timestamp, blockchain, symbol, amount, amount_usd, from_address, to_address, transaction_type, tx_ref.
Set any field not present in the message to null.`

// NewOpenAI constructs the extractor against the real OpenAI API.
func NewOpenAI(apiKey string, opts Options, logger zerolog.Logger) *OpenAI {
	return newWithClient(openai.NewClient(apiKey), opts, logger)
}

func newWithClient(client chatClient, opts Options, logger zerolog.Logger) *OpenAI {
	maxRunes := opts.MaxTextRunes
	if maxRunes <= 0 {
		maxRunes = 16000
	}
	return &OpenAI{
		client:       client,
		model:        opts.Model,
		temperature:  float32(opts.Temperature),
		maxTextRunes: maxRunes,
		logger:       logger.With().Str("component", "extractor").Logger(),
	}
}

// wireAlert is the schema the model is asked to produce.
type wireAlert struct {
	Timestamp       string      `json:"timestamp"`
	Blockchain      string      `json:"blockchain"`
	Symbol          string      `json:"symbol"`
	Amount          json.Number `json:"amount"`
	AmountUSD       json.Number `json:"amount_usd"`
	FromAddress     string      `json:"from_address"`
	ToAddress       string      `json:"to_address"`
	TransactionType string      `json:"transaction_type"`
	TxRef           string      `json:"tx_ref"`
}

// Extract runs the model call and validates the response against the alert
// schema. Schema and type failures return ErrInvalidResponse; transport-level
// failures pass through for the caller's retry policy.
func (o *OpenAI) Extract(ctx context.Context, msg alert.RawMessage) (alert.Alert, error) {
	text := truncateRunes(msg.Text, o.maxTextRunes)
	if len(text) < len(msg.Text) {
		o.logger.Warn().Int64("message_id", msg.MessageID).Int("limit", o.maxTextRunes).Msg("message text truncated")
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent(msg.ReceivedAt, text)},
		},
	})
	if err != nil {
		return alert.Alert{}, fmt.Errorf("model call: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return alert.Alert{}, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}

	var wire wireAlert
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &wire); err != nil {
		return alert.Alert{}, fmt.Errorf("%w: decode completion: %v", ErrInvalidResponse, err)
	}

	candidate, err := mapWire(wire, msg)
	if err != nil {
		return alert.Alert{}, err
	}
	if err := candidate.Validate(); err != nil {
		return alert.Alert{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return candidate, nil
}

func userContent(receivedAt time.Time, text string) string {
	return receivedAt.UTC().Format(time.RFC3339) + " " + text
}

func mapWire(wire wireAlert, msg alert.RawMessage) (alert.Alert, error) {
	candidate := alert.Alert{
		Blockchain:      wire.Blockchain,
		Symbol:          wire.Symbol,
		FromAddress:     wire.FromAddress,
		ToAddress:       wire.ToAddress,
		TxRef:           wire.TxRef,
		TransactionType: wire.TransactionType,
		SourceMessageID: msg.MessageID,
	}

	if wire.Amount == "" {
		return alert.Alert{}, fmt.Errorf("%w: missing amount", ErrInvalidResponse)
	}
	amount, err := decimal.NewFromString(wire.Amount.String())
	if err != nil {
		return alert.Alert{}, fmt.Errorf("%w: non-numeric amount %q", ErrInvalidResponse, wire.Amount)
	}
	candidate.Amount = amount

	if wire.AmountUSD != "" {
		usd, err := decimal.NewFromString(wire.AmountUSD.String())
		if err != nil {
			return alert.Alert{}, fmt.Errorf("%w: non-numeric amount_usd %q", ErrInvalidResponse, wire.AmountUSD)
		}
		candidate.AmountUSD = usd
	}

	candidate.Timestamp = msg.ReceivedAt.UTC()
	if wire.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, wire.Timestamp); err == nil {
			candidate.Timestamp = parsed.UTC()
		}
	}

	return candidate, nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
