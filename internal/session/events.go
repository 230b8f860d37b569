package session

import (
	"encoding/json"
	"time"
)

// TranscriptKind discriminates events on the transcript hub.
type TranscriptKind int

const (
	// FromAgent carries one stdout line from the child, for all subscribers.
	FromAgent TranscriptKind = iota
	// FromClient carries one client payload, echoed to every subscriber
	// except the sender.
	FromClient
	// Terminate tells subscribers the child has exited and the stream is over.
	Terminate
)

// TranscriptEvent is one message on a session's transcript hub.
type TranscriptEvent struct {
	Kind     TranscriptKind
	Payload  json.RawMessage
	SenderID string
}

// ApprovalKind discriminates events on the approval hub.
type ApprovalKind int

const (
	// ApprovalRequested broadcasts a new tool-use request to approval subscribers.
	ApprovalRequested ApprovalKind = iota
	// ApprovalDecided carries a client decision inbound. Consumed by the
	// responder, never re-broadcast.
	ApprovalDecided
)

// ApprovalEvent is one message on a session's approval hub.
type ApprovalEvent struct {
	Kind     ApprovalKind
	Request  ApprovalRequest
	Decision json.RawMessage
}

// ApprovalRequest is a parked tool-use request awaiting a human decision.
// WrapperID is minted here; the agent's own request id never reaches clients.
type ApprovalRequest struct {
	WrapperID      string
	SessionID      string
	AgentRequestID string
	RawRequest     json.RawMessage
	CreatedAt      time.Time
}

// Subscriber identifies one streaming connection for the lifetime of that
// connection.
type Subscriber struct {
	ID          string
	RemoteAddr  string
	Label       string
	ConnectedAt time.Time
}

// WriteItem is one pending stdin payload, tagged with the client that
// produced it.
type WriteItem struct {
	Payload    json.RawMessage
	SenderID   string
	EnqueuedAt time.Time
}
