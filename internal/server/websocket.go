package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/metrics"
	"github.com/hefeijay/japan-aquaculture-project/internal/pipeline"
	"github.com/hefeijay/japan-aquaculture-project/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts device dashboards and mobile clients on other
	// origins; auth happens at the init handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// turnJob is one queued user message with its server-assigned identity.
type turnJob struct {
	msg       protocol.UserMessage
	messageID string
	timestamp int64
}

// connection is the per-socket state. The socket has exactly one writer,
// guarded by writeMu; all reads happen on the handler goroutine.
type connection struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu            sync.Mutex
	initialized   bool
	sessionID     string
	userID        string
	sessionConfig map[string]any

	queue chan turnJob
}

func (c *connection) writeFrame(frame protocol.Frame) error {
	raw, err := frame.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *connection) snapshot() (initialized bool, sessionID, userID string, cfg map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized, c.sessionID, c.userID, c.sessionConfig
}

func (c *connection) setSession(sessionID, userID string, cfg map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.sessionID = sessionID
	c.userID = userID
	c.sessionConfig = cfg
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer goes away. Turns run one at a time on a dedicated goroutine; the
// read loop stays responsive for ping and queueing.
func (s *Server) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	conn := &connection{
		ws:           ws,
		writeTimeout: s.writeTimeout(),
		queue:        make(chan turnJob, s.cfg.InboundQueueSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workerDone sync.WaitGroup
	workerDone.Add(1)
	go func() {
		defer workerDone.Done()
		for job := range conn.queue {
			s.runTurn(ctx, conn, job)
		}
	}()

	s.readLoop(ctx, conn)

	// Disconnect: cancel the in-flight turn, drain the worker, close.
	cancel()
	close(conn.queue)
	workerDone.Wait()
	ws.Close()
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	log := s.logger
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		inbound, err := protocol.ParseInbound(raw)
		if err != nil {
			if conn.writeFrame(protocol.Error(protocol.CodeValidation, "malformed frame")) != nil {
				return
			}
			continue
		}

		switch inbound.Type {
		case protocol.TypePing:
			if conn.writeFrame(protocol.Pong()) != nil {
				return
			}

		case protocol.TypeInit:
			if !s.handleInit(ctx, conn, inbound.Init) {
				return
			}

		case protocol.TypeUserSendMessage:
			if !s.handleUserMessage(conn, inbound.Message) {
				return
			}

		default:
			if conn.writeFrame(protocol.Error(protocol.CodeValidation, "unknown frame type")) != nil {
				return
			}
		}
	}
}

// handleInit ensures the session and replies with its state. Returns false
// when the socket write failed and the connection should be torn down.
func (s *Server) handleInit(ctx context.Context, conn *connection, req *protocol.InitRequest) bool {
	if req == nil || req.UserID == "" {
		return conn.writeFrame(protocol.Error(protocol.CodeValidation, "init requires user_id")) == nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout())
	defer cancel()

	sess, rows, err := s.sessions.Ensure(initCtx, sessionID, req.UserID)
	if err != nil {
		s.logger.Error("session ensure failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return conn.writeFrame(protocol.Error(protocol.CodeStorage, "failed to initialize session")) == nil
	}

	cfg := sess.Config
	if len(req.Config) > 0 {
		merged, err := s.sessions.UpdateConfig(initCtx, sess.SessionID, req.Config)
		if err != nil {
			s.logger.Error("config update failed",
				slog.String("session_id", sess.SessionID),
				slog.String("error", err.Error()))
			return conn.writeFrame(protocol.Error(protocol.CodeStorage, "failed to update session config")) == nil
		}
		cfg = merged
	}

	conn.setSession(sess.SessionID, sess.UserID, cfg)

	messages := make([]any, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.Wire())
	}

	s.logger.Info("connection initialized",
		slog.String("session_id", sess.SessionID),
		slog.String("user_id", sess.UserID),
		slog.Int("history", len(messages)))
	return conn.writeFrame(protocol.Init(sess.SessionID, messages, cfg)) == nil
}

// handleUserMessage echoes the message and queues the turn. The echo is
// written synchronously so it always precedes the turn's stream chunks.
func (s *Server) handleUserMessage(conn *connection, msg *protocol.UserMessage) bool {
	initialized, sessionID, _, _ := conn.snapshot()
	if !initialized {
		return conn.writeFrame(protocol.Error(protocol.CodeNotInitialized, "send init before messages")) == nil
	}

	// The read loop is the queue's only producer, so checking capacity here
	// cannot race with another enqueue; the worker only frees slots.
	if len(conn.queue) == cap(conn.queue) {
		s.logger.Warn("inbound queue full, dropping message",
			slog.String("session_id", sessionID))
		return conn.writeFrame(protocol.Error(protocol.CodeBusy, "a previous message is still processing")) == nil
	}

	job := turnJob{
		msg:       *msg,
		messageID: uuid.New().String(),
		timestamp: time.Now().Unix(),
	}

	// The echo must hit the wire before the worker can emit the turn's first
	// stream_chunk, so it is written before the job is handed over.
	if conn.writeFrame(protocol.NewChatMessage(
		sessionID, msg.Content, job.messageID, llm.RoleUser, job.timestamp, job.msg.Type,
	)) != nil {
		return false
	}

	conn.queue <- job
	return true
}

// runTurn executes one queued turn on the worker goroutine.
func (s *Server) runTurn(ctx context.Context, conn *connection, job turnJob) {
	if ctx.Err() != nil {
		return
	}

	_, sessionID, userID, cfg := conn.snapshot()

	req := pipeline.TurnRequest{
		SessionID:     sessionID,
		UserID:        userID,
		Content:       job.msg.Content,
		Context:       job.msg.Context,
		UserMessageID: job.messageID,
		UserTimestamp: job.timestamp,
		SessionConfig: cfg,
	}

	turnCtx := logger.WithSessionID(ctx, sessionID)
	turnCtx = logger.WithUserID(turnCtx, userID)
	turnCtx = logger.WithMessageID(turnCtx, job.messageID)

	if _, err := s.orch.Run(turnCtx, req, conn.writeFrame); err != nil && !errors.Is(err, llm.ErrCanceled) {
		s.logger.Error("turn failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
