package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LoggingStore wraps a Store and logs write failures. Errors are still
// returned to the caller. Repeated failures of the same operation are logged
// once until that operation succeeds again.
type LoggingStore struct {
	Store
	log    zerolog.Logger
	mu     sync.Mutex
	failed map[string]bool
}

// NewLoggingStore creates a new LoggingStore wrapper.
func NewLoggingStore(store Store, log zerolog.Logger) *LoggingStore {
	return &LoggingStore{
		Store:  store,
		log:    log.With().Str("component", "store").Logger(),
		failed: make(map[string]bool),
	}
}

func (s *LoggingStore) observe(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if s.failed[op] {
			delete(s.failed, op)
			s.log.Info().Str("op", op).Msg("store operation recovered")
		}
		return
	}
	if s.failed[op] {
		return
	}
	s.failed[op] = true
	s.log.Warn().Err(err).Str("op", op).Msg("store operation failed")
}

// AddMessage wraps Store.AddMessage with error logging.
func (s *LoggingStore) AddMessage(ctx context.Context, msg *Message) error {
	err := s.Store.AddMessage(ctx, msg)
	s.observe("AddMessage", err)
	return err
}

// PersistAssistantMessage wraps Store.PersistAssistantMessage with error logging.
func (s *LoggingStore) PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status MessageStatus) (*Message, []File, error) {
	msg, files, err := s.Store.PersistAssistantMessage(ctx, userID, chatID, text, status)
	s.observe("PersistAssistantMessage", err)
	return msg, files, err
}

// PersistCodeBlocks wraps Store.PersistCodeBlocks with error logging.
func (s *LoggingStore) PersistCodeBlocks(ctx context.Context, userID, chatID, messageID, markdown string) ([]File, error) {
	files, err := s.Store.PersistCodeBlocks(ctx, userID, chatID, messageID, markdown)
	s.observe("PersistCodeBlocks", err)
	return files, err
}

// Prune wraps Store.Prune with error logging.
func (s *LoggingStore) Prune(ctx context.Context, maxAgeDays int) (int64, error) {
	n, err := s.Store.Prune(ctx, maxAgeDays)
	s.observe("Prune", err)
	return n, err
}
