package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

// MySQLStore is the durable Store backed by the sessions table.
type MySQLStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewMySQLStore creates a MySQL-backed session store.
func NewMySQLStore(db *sql.DB, log *logger.Logger) *MySQLStore {
	return &MySQLStore{db: db, logger: log.WithComponent("session_store")}
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, sessionID string) (Session, bool, error) {
	var (
		sess        Session
		rawConfig   string
		sessionName sql.NullString
		summary     sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, config, status, session_name, summary, created_at, updated_at
		FROM sessions
		WHERE session_id = ?`,
		sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &rawConfig, &sess.Status, &sessionName, &summary, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		s.logger.Error("failed to load session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return Session{}, false, fmt.Errorf("failed to load session: %w", err)
	}

	sess.Config = decodeConfig(rawConfig)
	sess.SessionName = sessionName.String
	sess.Summary = summary.String
	return sess, true, nil
}

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, sess Session) error {
	rawConfig, err := encodeConfig(sess.Config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}

	status := sess.Status
	if status == "" {
		status = StatusActive
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, config, status, session_name, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, rawConfig, status, sess.SessionName, sess.Summary, now, now,
	)
	if err != nil {
		s.logger.Error("failed to create session",
			slog.String("session_id", sess.SessionID),
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session created",
		slog.String("session_id", sess.SessionID),
		slog.String("user_id", sess.UserID))
	return nil
}

// UpdateConfig implements Store. The caller passes the fully merged config;
// the stored blob is replaced atomically.
func (s *MySQLStore) UpdateConfig(ctx context.Context, sessionID string, config map[string]any) error {
	rawConfig, err := encodeConfig(config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET config = ?, updated_at = ? WHERE session_id = ?`,
		rawConfig, time.Now().UTC(), sessionID,
	)
	if err != nil {
		s.logger.Error("failed to update session config",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update session config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm session config update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
