package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/session"
)

const wsReadLimit = 1 << 20

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			return originSet[origin]
		},
	}
}

// wsConn serializes writes: the forwarder goroutine and close paths would
// otherwise race on the gorilla connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeText(data)
}

func (c *wsConn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (c *wsConn) close() {
	_ = c.conn.Close()
}

// liveSession resolves id to a session with an alive child, or refuses the
// request before upgrading.
func (s *Server) liveSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.manager.Get(id)
	if !ok || sess.ChildPID() == 0 {
		writeError(w, http.StatusNotFound, "session not found or not live", codeSessionNotFound)
		return nil, false
	}
	return sess, true
}

// handleTranscriptStream is the primary bidirectional stream: agent lines
// and other clients' inputs go out, this client's inputs go to the child's
// stdin and are echoed to everyone else.
func (s *Server) handleTranscriptStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("transcript upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	c := &wsConn{conn: conn}

	sub := session.Subscriber{
		ID:          uuid.New().String(),
		RemoteAddr:  r.RemoteAddr,
		Label:       "transcript",
		ConnectedAt: time.Now(),
	}
	sess.AddTranscriptSubscriber(sub)
	ch := sess.SubscribeTranscript(sub.ID)
	logger := s.logger.With("session_id", sess.ID(), "subscriber_id", sub.ID)
	logger.Info("transcript subscriber connected", "remote_addr", sub.RemoteAddr)

	go func() {
		defer c.close()
		for ev := range ch {
			switch ev.Kind {
			case session.FromAgent:
				if err := c.writeText(ev.Payload); err != nil {
					return
				}
			case session.FromClient:
				if ev.SenderID == sub.ID {
					continue
				}
				if err := c.writeText(ev.Payload); err != nil {
					return
				}
			case session.Terminate:
				c.writeClose(websocket.CloseNormalClosure, "session terminated")
				return
			}
		}
	}()

	defer func() {
		sess.UnsubscribeTranscript(sub.ID)
		sess.RemoveTranscriptSubscriber(sub.ID)
		c.close()
		logger.Info("transcript subscriber disconnected")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			logger.Warn("ignoring binary frame on transcript stream")
			continue
		}
		if !json.Valid(data) {
			logger.Warn("ignoring invalid JSON frame on transcript stream")
			continue
		}
		payload := make(json.RawMessage, len(data))
		copy(payload, data)
		if err := sess.Enqueue(session.WriteItem{
			Payload:    payload,
			SenderID:   sub.ID,
			EnqueuedAt: time.Now(),
		}); err != nil {
			return
		}
		sess.PublishTranscript(session.TranscriptEvent{
			Kind:     session.FromClient,
			Payload:  payload,
			SenderID: sub.ID,
		})
	}
}

// approvalMessage is the outbound shape on the approval stream.
type approvalMessage struct {
	ID        string          `json:"id"`
	Request   json.RawMessage `json:"request"`
	CreatedAt int64           `json:"created_at"`
}

// handleApprovalStream is the tool-use side-channel: pending requests are
// replayed on connect, new ones stream as they arrive, and decisions flow
// back to the internal responder.
func (s *Server) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("approval upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	c := &wsConn{conn: conn}

	sub := session.Subscriber{
		ID:          uuid.New().String(),
		RemoteAddr:  r.RemoteAddr,
		Label:       "approvals",
		ConnectedAt: time.Now(),
	}
	sess.AddApprovalSubscriber(sub)
	ch := sess.SubscribeApprovals(sub.ID)
	logger := s.logger.With("session_id", sess.ID(), "subscriber_id", sub.ID)
	logger.Info("approval subscriber connected", "remote_addr", sub.RemoteAddr)

	go func() {
		defer c.close()
		for _, req := range sess.ListPendingApprovals() {
			if err := c.writeJSON(approvalMessage{
				ID:        req.WrapperID,
				Request:   req.RawRequest,
				CreatedAt: req.CreatedAt.Unix(),
			}); err != nil {
				return
			}
		}
		for ev := range ch {
			if ev.Kind != session.ApprovalRequested {
				continue
			}
			if err := c.writeJSON(approvalMessage{
				ID:        ev.Request.WrapperID,
				Request:   ev.Request.RawRequest,
				CreatedAt: ev.Request.CreatedAt.Unix(),
			}); err != nil {
				return
			}
		}
		c.writeClose(websocket.CloseNormalClosure, "session terminated")
	}()

	defer func() {
		sess.UnsubscribeApprovals(sub.ID)
		sess.RemoveApprovalSubscriber(sub.ID)
		c.close()
		logger.Info("approval subscriber disconnected")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			logger.Warn("ignoring binary frame on approval stream")
			continue
		}
		var decision struct {
			ID       string          `json:"id"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(data, &decision); err != nil || decision.ID == "" || len(decision.Response) == 0 {
			logger.Warn("ignoring malformed approval decision", "frame", string(data))
			continue
		}
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		sess.PublishApproval(session.ApprovalEvent{
			Kind:     session.ApprovalDecided,
			Decision: raw,
		})
	}
}
