package session

import (
	"context"
	"time"

	"github.com/samsaffron/mdstream/internal/fence"
)

// NoopStore is a no-op implementation of Store used when storage is disabled.
// It discards all writes and returns empty results for reads. Persisting a
// message still runs the extractor so callers see the files that would have
// been written.
type NoopStore struct{}

func (s *NoopStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	return nil
}

func (s *NoopStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	return nil
}

func (s *NoopStore) GetMessages(ctx context.Context, userID, chatID string, limit, offset int) ([]Message, error) {
	return nil, nil
}

func (s *NoopStore) PersistAssistantMessage(ctx context.Context, userID, chatID, text string, status MessageStatus) (*Message, []File, error) {
	msg := &Message{
		ID:        NewID(),
		ChatID:    chatID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   text,
		Status:    status,
		CreatedAt: time.Now(),
	}
	files, err := s.PersistCodeBlocks(ctx, userID, chatID, msg.ID, text)
	return msg, files, err
}

func (s *NoopStore) PersistCodeBlocks(ctx context.Context, userID, chatID, messageID, markdown string) ([]File, error) {
	var files []File
	i := 0
	for block := range fence.All(markdown) {
		files = append(files, fileFromBlock(block, i, userID, chatID, messageID))
		i++
	}
	return files, nil
}

func (s *NoopStore) GetFiles(ctx context.Context, userID, chatID string) ([]File, error) {
	return nil, nil
}

func (s *NoopStore) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	return nil, nil
}

func (s *NoopStore) Prune(ctx context.Context, maxAgeDays int) (int64, error) {
	return 0, nil
}

func (s *NoopStore) Close() error {
	return nil
}

func fileFromBlock(block fence.CodeBlock, index int, userID, chatID, messageID string) File {
	return File{
		ID:        NewID(),
		MessageID: messageID,
		ChatID:    chatID,
		UserID:    userID,
		Name:      block.Filename(index),
		Language:  block.Language,
		Extension: block.Extension,
		Title:     block.Title,
		Content:   block.Text,
		CreatedAt: time.Now(),
	}
}
