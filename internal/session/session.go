// Package session implements the session runtime: per-session state, the
// registry, the create/resume pipeline, and the supervisor goroutines that
// bridge the agent child to stream subscribers.
package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/hub"
)

// Status is a session's lifecycle state. Ready and Failed are terminal;
// Failed sessions are evicted from the registry.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

const writeQueueSize = 128

// Session is one logical conversation backed by one child process and one
// transcript file. Identity is mutable: a resume handshake can re-key it.
// Each concern (identity, rosters, pending approvals) has its own lock; no
// caller ever needs a consistent snapshot across two of them.
type Session struct {
	workingDir string
	logger     *slog.Logger

	mu       sync.Mutex
	id       string
	status   Status
	childPID int
	proc     agent.Process

	rosterMu       sync.Mutex
	transcriptSubs map[string]Subscriber
	approvalSubs   map[string]Subscriber

	pendMu  sync.Mutex
	pending map[string]ApprovalRequest

	writeq    chan WriteItem
	done      chan struct{}
	closeOnce sync.Once

	transcripts *hub.Hub[TranscriptEvent]
	approvals   *hub.Hub[ApprovalEvent]
}

func newSession(id, workingDir string, logger *slog.Logger) *Session {
	return &Session{
		workingDir:     workingDir,
		logger:         logger.With("session_id", id),
		id:             id,
		status:         StatusPending,
		transcriptSubs: make(map[string]Subscriber),
		approvalSubs:   make(map[string]Subscriber),
		pending:        make(map[string]ApprovalRequest),
		writeq:         make(chan WriteItem, writeQueueSize),
		done:           make(chan struct{}),
		transcripts:    hub.New[TranscriptEvent](),
		approvals:      hub.New[ApprovalEvent](),
	}
}

// ID returns the current session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// WorkingDirectory is the child's cwd. Immutable.
func (s *Session) WorkingDirectory() string {
	return s.workingDir
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// ChildPID returns the child's pid, or 0 when no child is alive.
func (s *Session) ChildPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childPID
}

func (s *Session) setProcess(p agent.Process) {
	s.mu.Lock()
	s.proc = p
	s.childPID = p.PID()
	s.mu.Unlock()
}

func (s *Session) clearChildPID() {
	s.mu.Lock()
	s.childPID = 0
	s.mu.Unlock()
}

func (s *Session) process() agent.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// AddTranscriptSubscriber registers a transcript stream connection.
func (s *Session) AddTranscriptSubscriber(sub Subscriber) {
	s.rosterMu.Lock()
	s.transcriptSubs[sub.ID] = sub
	s.rosterMu.Unlock()
}

// RemoveTranscriptSubscriber drops a transcript stream connection.
func (s *Session) RemoveTranscriptSubscriber(id string) {
	s.rosterMu.Lock()
	delete(s.transcriptSubs, id)
	s.rosterMu.Unlock()
}

// TranscriptSubscriberIDs returns the ids of connected transcript subscribers.
func (s *Session) TranscriptSubscriberIDs() []string {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	ids := make([]string, 0, len(s.transcriptSubs))
	for id := range s.transcriptSubs {
		ids = append(ids, id)
	}
	return ids
}

// AddApprovalSubscriber registers an approval stream connection.
func (s *Session) AddApprovalSubscriber(sub Subscriber) {
	s.rosterMu.Lock()
	s.approvalSubs[sub.ID] = sub
	s.rosterMu.Unlock()
}

// RemoveApprovalSubscriber drops an approval stream connection.
func (s *Session) RemoveApprovalSubscriber(id string) {
	s.rosterMu.Lock()
	delete(s.approvalSubs, id)
	s.rosterMu.Unlock()
}

// ApprovalSubscriberIDs returns the ids of connected approval subscribers.
func (s *Session) ApprovalSubscriberIDs() []string {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	ids := make([]string, 0, len(s.approvalSubs))
	for id := range s.approvalSubs {
		ids = append(ids, id)
	}
	return ids
}

// Enqueue appends a payload to the stdin write queue. Blocks while the
// queue is full; fails once the session has terminated.
func (s *Session) Enqueue(item WriteItem) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.writeq <- item:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// dequeue pops the next write item in FIFO order; returns false once the
// session has terminated.
func (s *Session) dequeue() (WriteItem, bool) {
	select {
	case item := <-s.writeq:
		return item, true
	case <-s.done:
		return WriteItem{}, false
	}
}

// AddPendingApproval parks a tool-use request until a decision arrives.
func (s *Session) AddPendingApproval(req ApprovalRequest) {
	s.pendMu.Lock()
	s.pending[req.WrapperID] = req
	s.pendMu.Unlock()
}

// TakePendingApproval removes and returns the request for a wrapper id.
// At-most-once: a second take for the same id reports false.
func (s *Session) TakePendingApproval(wrapperID string) (ApprovalRequest, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	req, ok := s.pending[wrapperID]
	if ok {
		delete(s.pending, wrapperID)
	}
	return req, ok
}

// ListPendingApprovals snapshots the outstanding requests, oldest first.
func (s *Session) ListPendingApprovals() []ApprovalRequest {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	reqs := make([]ApprovalRequest, 0, len(s.pending))
	for _, req := range s.pending {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}

// PendingApprovalCount returns the number of outstanding requests.
func (s *Session) PendingApprovalCount() int {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	return len(s.pending)
}

// PublishTranscript broadcasts an event to transcript subscribers.
func (s *Session) PublishTranscript(ev TranscriptEvent) {
	s.transcripts.Publish(ev)
}

// SubscribeTranscript attaches a receiver to the transcript hub.
func (s *Session) SubscribeTranscript(id string) <-chan TranscriptEvent {
	return s.transcripts.Subscribe(id)
}

// UnsubscribeTranscript detaches a transcript receiver.
func (s *Session) UnsubscribeTranscript(id string) {
	s.transcripts.Unsubscribe(id)
}

// PublishApproval broadcasts an event to approval subscribers.
func (s *Session) PublishApproval(ev ApprovalEvent) {
	s.approvals.Publish(ev)
}

// SubscribeApprovals attaches a receiver to the approval hub.
func (s *Session) SubscribeApprovals(id string) <-chan ApprovalEvent {
	return s.approvals.Subscribe(id)
}

// UnsubscribeApprovals detaches an approval receiver.
func (s *Session) UnsubscribeApprovals(id string) {
	s.approvals.Unsubscribe(id)
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// terminate collapses the session: the write queue stops accepting, a final
// Terminate event reaches transcript subscribers, and both hubs close so
// every forwarder and the responder unwind. Idempotent.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transcripts.Publish(TranscriptEvent{Kind: Terminate})
		s.transcripts.Close()
		s.approvals.Close()
		s.logger.Info("session terminated")
	})
}
