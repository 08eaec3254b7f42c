package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hefeijay/japan-aquaculture-project/internal/history"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

// Manager combines session and history stores behind the operations the
// connection layer needs.
type Manager struct {
	sessions     Store
	history      history.Store
	model        string
	systemPrompt string
	logger       *logger.Logger
}

// NewManager creates a session manager. model and systemPrompt seed the
// default config of newly created sessions.
func NewManager(sessions Store, hist history.Store, model, systemPrompt string, log *logger.Logger) *Manager {
	return &Manager{
		sessions:     sessions,
		history:      hist,
		model:        model,
		systemPrompt: systemPrompt,
		logger:       log.WithComponent("session_manager"),
	}
}

// Ensure loads the session, creating it with the default config when it does
// not exist, and returns it together with its trailing message window for
// the init payload.
func (m *Manager) Ensure(ctx context.Context, sessionID, userID string) (Session, []history.ChatMessage, error) {
	sess, found, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}

	if !found {
		sess = Session{
			SessionID: sessionID,
			UserID:    userID,
			Config:    DefaultConfig(m.model, m.systemPrompt),
			Status:    StatusActive,
		}
		if err := m.sessions.Create(ctx, sess); err != nil {
			return Session{}, nil, err
		}
		m.logger.Info("new session initialized",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID))
	}

	messages, err := m.history.Recent(ctx, sessionID, EnsureHistoryWindow)
	if err != nil {
		return Session{}, nil, err
	}
	return sess, messages, nil
}

// Get returns an existing session.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, bool, error) {
	return m.sessions.Get(ctx, sessionID)
}

// UpdateConfig deep-merges patch into the session's stored config and
// persists the result. It returns the merged config.
func (m *Manager) UpdateConfig(ctx context.Context, sessionID string, patch map[string]any) (map[string]any, error) {
	sess, found, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	merged := MergeConfig(sess.Config, patch)
	if err := m.sessions.UpdateConfig(ctx, sessionID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}
