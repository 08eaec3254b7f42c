package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

// MySQLStore is the durable Store backed by the chat_history table.
type MySQLStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewMySQLStore creates a MySQL-backed history store.
func NewMySQLStore(db *sql.DB, log *logger.Logger) *MySQLStore {
	return &MySQLStore{db: db, logger: log.WithComponent("history_store")}
}

// Append inserts one message row. The store assigns the timestamp and, when
// params.MessageID is empty, a fresh UUID. The row is durable when Append
// returns.
func (s *MySQLStore) Append(ctx context.Context, params AppendParams) (ChatMessage, error) {
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
		return ChatMessage{}, fmt.Errorf("failed to encode message metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_history (session_id, role, content, type, message_id, meta_data, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		params.SessionID, params.Role, params.Content, msgType, messageID, meta, now, now,
	)
	if err != nil {
		s.logger.Error("failed to append chat message",
			slog.String("session_id", params.SessionID),
			slog.String("role", params.Role),
			slog.String("error", err.Error()))
		return ChatMessage{}, fmt.Errorf("failed to append chat message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to read inserted message id: %w", err)
	}

	s.logger.Debug("chat message appended",
		slog.String("session_id", params.SessionID),
		slog.String("role", params.Role),
		slog.String("message_id", messageID))

	return ChatMessage{
		ID:        id,
		SessionID: params.SessionID,
		Role:      params.Role,
		Content:   params.Content,
		Type:      msgType,
		MessageID: messageID,
		MetaData:  meta,
		Timestamp: now,
		UpdatedAt: now,
	}, nil
}

// Recent returns the most recent limit messages for the session in ascending
// timestamp order. Unknown sessions yield an empty slice, not an error.
func (s *MySQLStore) Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultWindow
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, type, status, message_id, tool_calls, meta_data, timestamp, updated_at
		FROM (
			SELECT id, session_id, role, content, type, status, message_id, tool_calls, meta_data, timestamp, updated_at
			FROM chat_history
			WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) recent
		ORDER BY timestamp ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("failed to load chat history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Type,
			&msg.Status, &msg.MessageID, &msg.ToolCalls, &msg.MetaData,
			&msg.Timestamp, &msg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat history: %w", err)
	}

	return messages, nil
}

// Clear deletes all messages for a session and returns how many were removed.
func (s *MySQLStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE session_id = ?`, sessionID)
	if err != nil {
		s.logger.Error("failed to clear chat history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to clear chat history: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared messages: %w", err)
	}

	s.logger.Info("chat history cleared",
		slog.String("session_id", sessionID),
		slog.Int64("deleted", count))
	return count, nil
}
