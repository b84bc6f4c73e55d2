package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whale-watcher/internal/alert"
)

// Processing stages an entry can fail at.
const (
	StageExtract = "extract"
	StagePersist = "persist"
)

// Entry is one message that exhausted its retry budget. It captures enough of
// the original input to replay the message later.
type Entry struct {
	ID        uuid.UUID    `json:"id"`
	Stage     string       `json:"stage"`
	ChannelID string       `json:"channel_id"`
	MessageID int64        `json:"message_id"`
	Text      string       `json:"text"`
	Err       string       `json:"error"`
	FailedAt  time.Time    `json:"failed_at"`
	Alert     *alert.Alert `json:"alert,omitempty"`
}

// RawMessage reconstructs the pipeline input for replay.
func (e Entry) RawMessage() alert.RawMessage {
	return alert.RawMessage{
		ChannelID:  e.ChannelID,
		MessageID:  e.MessageID,
		ReceivedAt: e.FailedAt,
		Text:       e.Text,
	}
}

// Log records permanently failed messages.
type Log interface {
	Record(entry Entry) error
}

// FileSink appends entries to a JSONL file, one object per line. Writes are
// serialized so concurrent workers never interleave partial lines.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// NewFileSink opens (or creates) the sink file in append mode.
func NewFileSink(path string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead letter file: %w", err)
	}
	return &FileSink{
		file:   file,
		logger: logger.With().Str("component", "deadletter").Str("path", path).Logger(),
	}, nil
}

// Record writes one entry. A fresh ID and timestamp are assigned when missing.
func (s *FileSink) Record(entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write dead letter entry: %w", err)
	}

	s.logger.Warn().
		Str("id", entry.ID.String()).
		Str("stage", entry.Stage).
		Int64("message_id", entry.MessageID).
		Msg("message dead-lettered")
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Read loads every entry from a JSONL dead letter file. Blank lines are
// skipped; a malformed line aborts with its line number.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dead letter file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dead letter file: %w", err)
	}
	return entries, nil
}
