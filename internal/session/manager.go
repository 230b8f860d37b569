package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Options tunes manager timing. Zero values take the defaults.
type Options struct {
	// StartupFileTimeout bounds the wait for the child's transcript file to
	// appear and become non-empty. Default 20s.
	StartupFileTimeout time.Duration
	// StartupPollInterval is the poll period for that wait. Default 100ms.
	StartupPollInterval time.Duration
	// ShutdownGrace is how long Shutdown waits after SIGTERM before SIGKILL.
	// Default 30s.
	ShutdownGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.StartupFileTimeout == 0 {
		o.StartupFileTimeout = 20 * time.Second
	}
	if o.StartupPollInterval == 0 {
		o.StartupPollInterval = 100 * time.Millisecond
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Manager is the session factory and supervisor. It owns the registry of
// live sessions keyed by current id and runs four goroutines per session:
// output router, writer pump, approval responder, exit watcher.
type Manager struct {
	launcher agent.Launcher
	store    *transcript.Store
	logger   *slog.Logger
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(launcher agent.Launcher, store *transcript.Store, logger *slog.Logger, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		launcher: launcher,
		store:    store,
		logger:   logger.With("component", "session"),
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// CreateRequest describes one create-or-resume call.
type CreateRequest struct {
	SessionID    string
	WorkingDir   string
	Resume       bool
	FirstMessage []json.RawMessage
}

// CreateSession runs the create-or-resume pipeline and returns the
// effective session id. Creating an id that is already live is idempotent;
// a dead registry entry under that id is evicted first.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrBadRequest)
	}
	if m.Live(req.SessionID) {
		m.logger.Info("session already live, create is a no-op", "session_id", req.SessionID)
		return req.SessionID, nil
	}

	if len(req.FirstMessage) == 0 {
		return "", fmt.Errorf("%w: first message is required", ErrBadRequest)
	}
	for i, msg := range req.FirstMessage {
		if !json.Valid(msg) {
			return "", fmt.Errorf("%w: first message element %d is not valid JSON", ErrBadRequest, i)
		}
	}

	info, err := os.Stat(req.WorkingDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBadWorkingDir, req.WorkingDir)
	}

	s := newSession(req.SessionID, req.WorkingDir, m.logger)

	m.mu.Lock()
	if existing, ok := m.sessions[req.SessionID]; ok {
		if existing.ChildPID() != 0 {
			m.mu.Unlock()
			m.logger.Info("session already live, create is a no-op", "session_id", req.SessionID)
			return req.SessionID, nil
		}
		// Pending means a launch for this id is still in flight; joining it
		// is the idempotent outcome. Only an entry whose child actually
		// exited is dead and may be replaced.
		if existing.Status() == StatusPending {
			m.mu.Unlock()
			m.logger.Info("session creation already in flight, create is a no-op", "session_id", req.SessionID)
			return req.SessionID, nil
		}
		delete(m.sessions, req.SessionID)
	}
	m.sessions[req.SessionID] = s
	m.mu.Unlock()

	proc, effectiveID, err := m.launcher.Launch(ctx, agent.Spec{
		SessionID:    req.SessionID,
		WorkingDir:   req.WorkingDir,
		Resume:       req.Resume,
		FirstPayload: req.FirstMessage[0],
	})
	if err != nil {
		s.setStatus(StatusFailed)
		m.evict(req.SessionID, s)
		return "", err
	}

	if effectiveID != req.SessionID {
		m.rekey(s, req.SessionID, effectiveID)
	}

	s.setProcess(proc)
	s.setStatus(StatusReady)
	s.logger.Info("agent started", "pid", proc.PID(), "working_dir", req.WorkingDir, "resume", req.Resume)

	go m.routeOutput(s)
	go m.pumpWrites(s)
	go m.respondApprovals(s)
	go m.watchExit(s)

	for _, msg := range req.FirstMessage[1:] {
		if err := s.Enqueue(WriteItem{Payload: msg, EnqueuedAt: time.Now()}); err != nil {
			break
		}
	}

	if err := m.waitForTranscript(ctx, effectiveID); err != nil {
		s.logger.Warn("transcript file never appeared, killing agent")
		s.setStatus(StatusFailed)
		proc.Kill()
		m.evict(effectiveID, s)
		return "", err
	}

	return effectiveID, nil
}

// rekey atomically moves s from oldID to newID in the registry. Only runs
// during creation, before any subscriber has connected.
func (m *Manager) rekey(s *Session, oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, oldID)
	if clobbered, ok := m.sessions[newID]; ok && clobbered != s {
		m.logger.Warn("resume handshake collided with existing registry entry", "session_id", newID)
	}
	s.setID(newID)
	m.sessions[newID] = s
	m.logger.Info("session re-keyed after resume", "old_id", oldID, "new_id", newID)
}

// evict removes the registry entry only if it still points at s.
func (m *Manager) evict(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[id]; ok && current == s {
		delete(m.sessions, id)
	}
}

// waitForTranscript polls until the child's transcript file exists and is
// non-empty. The child creates the file itself; this wait only guarantees
// that an immediate GetSession can read initial content.
func (m *Manager) waitForTranscript(ctx context.Context, sessionID string) error {
	deadline := time.NewTimer(m.opts.StartupFileTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.opts.StartupPollInterval)
	defer tick.Stop()
	for {
		if m.store.HasContent(sessionID) {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return ErrStartupFileMissing
		case <-ctx.Done():
			return ErrStartupFileMissing
		}
	}
}

// Get returns the live session registered under id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Live reports whether id is registered with an alive child.
func (m *Manager) Live(id string) bool {
	s, ok := m.Get(id)
	return ok && s.ChildPID() != 0
}

// List snapshots the registry.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// routeOutput consumes child stdout lines and classifies each one: tool-use
// control requests go to the approval side-channel, everything else is
// broadcast verbatim on the transcript hub. Single-tasked per session, so
// approval extraction never races transcript publication.
func (m *Manager) routeOutput(s *Session) {
	for {
		line, ok := s.process().Read()
		if !ok {
			return
		}
		if !json.Valid(line) {
			s.logger.Error("agent emitted invalid JSON, terminating session", "line", string(line))
			s.terminate()
			s.process().Kill()
			// Drain remaining output so the process reader can reach EOF.
			for {
				if _, ok := s.process().Read(); !ok {
					return
				}
			}
		}

		var envelope struct {
			Type      string          `json:"type"`
			RequestID string          `json:"request_id"`
			Request   json.RawMessage `json:"request"`
		}
		_ = json.Unmarshal(line, &envelope)

		if envelope.Type == "control_request" {
			var nested struct {
				Subtype string `json:"subtype"`
			}
			_ = json.Unmarshal(envelope.Request, &nested)
			if nested.Subtype == "can_use_tool" {
				m.registerApproval(s, envelope.RequestID, envelope.Request)
				continue
			}
		}

		s.PublishTranscript(TranscriptEvent{Kind: FromAgent, Payload: line})
	}
}

// registerApproval parks a tool-use request under a freshly minted wrapper
// id and broadcasts it to approval subscribers. The line never reaches the
// transcript hub.
func (m *Manager) registerApproval(s *Session, agentRequestID string, rawRequest json.RawMessage) {
	req := ApprovalRequest{
		WrapperID:      uuid.New().String(),
		SessionID:      s.ID(),
		AgentRequestID: agentRequestID,
		RawRequest:     rawRequest,
		CreatedAt:      time.Now(),
	}
	s.AddPendingApproval(req)
	s.PublishApproval(ApprovalEvent{Kind: ApprovalRequested, Request: req})
	s.logger.Info("tool approval requested", "wrapper_id", req.WrapperID, "agent_request_id", agentRequestID)
}

// pumpWrites drains the session write queue into the child's stdin, one
// writer, strict FIFO.
func (m *Manager) pumpWrites(s *Session) {
	for {
		item, ok := s.dequeue()
		if !ok {
			return
		}
		if err := s.process().Write(item.Payload); err != nil {
			s.logger.Warn("stdin write dropped", "error", err, "sender_id", item.SenderID)
			if errors.Is(err, agent.ErrExited) {
				return
			}
		}
	}
}

// respondApprovals consumes client decisions off the approval hub, matches
// them to parked requests, and forwards a control_response to the child.
// At most one response is ever enqueued per wrapper id.
func (m *Manager) respondApprovals(s *Session) {
	ch := s.SubscribeApprovals("internal-responder")
	for ev := range ch {
		if ev.Kind != ApprovalDecided {
			continue
		}
		var decision struct {
			ID       string          `json:"id"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(ev.Decision, &decision); err != nil || decision.ID == "" || len(decision.Response) == 0 {
			s.logger.Warn("approval decision missing id or response, dropping", "decision", string(ev.Decision))
			continue
		}
		req, ok := s.TakePendingApproval(decision.ID)
		if !ok {
			s.logger.Warn("approval decision for unknown wrapper id, dropping", "wrapper_id", decision.ID)
			continue
		}

		envelope, err := json.Marshal(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": req.AgentRequestID,
				"response":   decision.Response,
			},
		})
		if err != nil {
			s.logger.Warn("building control_response failed", "error", err)
			continue
		}
		if err := s.Enqueue(WriteItem{Payload: envelope, EnqueuedAt: time.Now()}); err != nil {
			return
		}
		s.logger.Info("approval decision forwarded", "wrapper_id", decision.ID, "agent_request_id", req.AgentRequestID)
	}
}

// watchExit waits for the child to die, clears the pid, and collapses the
// session. The registry entry stays so historical reads keep working.
func (m *Manager) watchExit(s *Session) {
	err := s.process().Wait()
	if err != nil {
		s.logger.Info("agent exited", "error", err)
	} else {
		s.logger.Info("agent exited cleanly")
	}
	s.clearChildPID()
	s.terminate()
}

// Shutdown terminates all live children: SIGTERM, wait up to the grace
// period, then SIGKILL whatever is still alive.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions := m.List()
	m.logger.Info("shutting down sessions", "count", len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			m.stopSession(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) stopSession(ctx context.Context, s *Session) {
	proc := s.process()
	if proc == nil || s.ChildPID() == 0 {
		return
	}
	s.logger.Info("stopping agent", "pid", s.ChildPID())
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, agent.ErrExited) {
		s.logger.Warn("SIGTERM failed", "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(m.opts.ShutdownGrace):
		s.logger.Warn("grace period expired, killing agent")
		proc.Kill()
		<-proc.Done()
	case <-ctx.Done():
		s.logger.Warn("shutdown context cancelled, killing agent")
		proc.Kill()
		<-proc.Done()
	}
}
