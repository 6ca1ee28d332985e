// Package store persists chat history and settings to a local SQLite file.
// It mirrors state, it does not own it: loads never fail the caller (corrupt
// or missing payloads yield defaults) and saves degrade under a size quota
// by progressively pruning old attachments and messages.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hamrah-ai/hamrah/pkg/core/types"
)

const (
	historyKey  = "chat_history"
	settingsKey = "chat_settings"

	// DefaultQuota caps the serialized history payload. Roughly what a
	// browser localStorage slot allows.
	DefaultQuota = 5 << 20

	// attachmentKeep is how many recent messages keep their image/audio
	// payloads in the first pruning tier.
	attachmentKeep = 10
)

// Store is a keyed blob store over a single SQLite file.
type Store struct {
	db     *sql.DB
	quota  int
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithQuota overrides the history size quota in bytes.
func WithQuota(bytes int) StoreOption {
	return func(s *Store) { s.quota = bytes }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the store at path.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single connection is optimal for a local single-user file with WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:     db,
		quota:  DefaultQuota,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadHistory returns the persisted messages, or an empty slice when the
// payload is missing or unreadable. It never blocks startup on bad data.
func (s *Store) LoadHistory() []types.Message {
	raw, ok := s.get(historyKey)
	if !ok {
		return nil
	}
	var messages []types.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		s.logger.Warn("discarding corrupt history payload", "error", err)
		return nil
	}
	return messages
}

// SaveHistory persists the messages, pruning under quota pressure. Tiers:
// strip attachments from all but the most recent messages, then truncate to
// the most recent 20, then to the most recent 5. Each tier applies only if
// the previous payload still exceeds the quota.
func (s *Store) SaveHistory(messages []types.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	stripped := messages
	if len(payload) > s.quota {
		s.logger.Warn("history over quota, stripping old attachments",
			"size", len(payload), "quota", s.quota)
		stripped = stripOldAttachments(messages, attachmentKeep)
		payload, err = json.Marshal(stripped)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
	}
	if len(payload) > s.quota {
		s.logger.Warn("history still over quota, truncating to 20 messages")
		payload, err = json.Marshal(lastN(stripped, 20))
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
	}
	if len(payload) > s.quota {
		s.logger.Warn("history still over quota, truncating to 5 messages")
		// Text outlives attachments: the last resort keeps the newest five
		// messages with their attachments dropped entirely.
		payload, err = json.Marshal(stripOldAttachments(lastN(stripped, 5), 0))
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
	}

	return s.put(historyKey, string(payload))
}

// LoadSettings returns the persisted settings, or defaults when the payload
// is missing or unreadable.
func (s *Store) LoadSettings() types.ChatSettings {
	raw, ok := s.get(settingsKey)
	if !ok {
		return types.DefaultSettings()
	}
	var settings types.ChatSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		s.logger.Warn("discarding corrupt settings payload", "error", err)
		return types.DefaultSettings()
	}
	return settings
}

// SaveSettings persists the settings wholesale.
func (s *Store) SaveSettings(settings types.ChatSettings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.put(settingsKey, string(payload))
}

// ClearHistory removes the persisted conversation, leaving settings intact.
func (s *Store) ClearHistory() error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, historyKey)
	return err
}

// ClearAll removes both blobs, resetting the store to first-run state.
func (s *Store) ClearAll() error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key IN (?, ?)`, historyKey, settingsKey)
	return err
}

func (s *Store) get(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.logger.Warn("read failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// stripOldAttachments drops image and audio payloads from all but the most
// recent keep messages. Text and timestamps survive.
func stripOldAttachments(messages []types.Message, keep int) []types.Message {
	out := make([]types.Message, len(messages))
	copy(out, messages)
	cutoff := len(out) - keep
	for i := 0; i < cutoff; i++ {
		out[i].Image = ""
		out[i].AudioB64 = ""
	}
	return out
}

func lastN(messages []types.Message, n int) []types.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
