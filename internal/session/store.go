package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("session: not found")

// Store is the interface for chat persistence.
type Store interface {
	// Chats are created implicitly by the first message.
	GetChat(ctx context.Context, userID, chatID string) (*Chat, error)
	DeleteChat(ctx context.Context, userID, chatID string) error

	AddMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, userID, chatID string, limit, offset int) ([]Message, error)

	// PersistAssistantMessage stores a finished or partial assistant reply
	// and the code blocks found in it.
	PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status MessageStatus) (*Message, []File, error)
	PersistCodeBlocks(ctx context.Context, userID, chatID, messageID, markdown string) ([]File, error)
	GetFiles(ctx context.Context, userID, chatID string) ([]File, error)

	Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error)

	// Prune deletes chats not updated in the last maxAgeDays days and
	// returns how many were removed.
	Prune(ctx context.Context, maxAgeDays int) (int64, error)

	Close() error
}

// Config holds chat storage configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`      // Master switch
	Path       string `mapstructure:"path"`         // Optional database path; empty uses the data dir
	MaxAgeDays int    `mapstructure:"max_age_days"` // Auto-delete after N days (0=never)
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxAgeDays: 0, // Never auto-delete
	}
}

// GetDataDir returns the XDG data directory for mdstream.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "mdstream"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mdstream"), nil
}

// GetDBPath returns the path to the chats database.
func GetDBPath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "chats.db"), nil
}

// NewStore creates a new Store based on the configuration.
// If storage is disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
