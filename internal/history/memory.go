package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used when no database is configured and
// in tests. Messages do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[string][]ChatMessage
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]ChatMessage)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, params AppendParams) (ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}

	now := time.Now().UTC()
	messageID := params.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	msgType := params.Type
	if msgType == "" {
		msgType = "text"
	}

	meta, err := EncodeMeta(params.Meta)
	if err != nil {
		return ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := ChatMessage{
		ID:        s.nextID,
		SessionID: params.SessionID,
		Role:      params.Role,
		Content:   params.Content,
		Type:      msgType,
		MessageID: messageID,
		MetaData:  meta,
		Timestamp: now,
		UpdatedAt: now,
	}
	s.sessions[params.SessionID] = append(s.sessions[params.SessionID], msg)
	return msg, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultWindow
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sessions[sessionID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}

	messages := make([]ChatMessage, len(all)-start)
	copy(messages, all[start:])
	return messages, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := int64(len(s.sessions[sessionID]))
	delete(s.sessions, sessionID)
	return count, nil
}
