package session

import (
	"encoding/json"
	"fmt"
)

// Info is one row in the session listing, joining live registry state with
// on-disk transcript metadata.
type Info struct {
	SessionID        string `json:"session_id"`
	WorkingDirectory string `json:"working_directory"`
	Active           bool   `json:"active"`
	Summary          string `json:"summary,omitempty"`
	EarliestTS       string `json:"earliest_ts,omitempty"`
	LatestTS         string `json:"latest_ts,omitempty"`
}

// Detail is the full view of one session: header plus raw transcript lines.
type Detail struct {
	SessionID        string
	WorkingDirectory string
	Content          []json.RawMessage
	Live             bool
	ChildPID         int
	PendingApprovals int
}

// ListSessions reconciles on-disk transcripts with the live registry. A
// session is active iff it is registered with an alive child; live sessions
// whose transcript has not hit disk yet appear as virtual entries.
func (m *Manager) ListSessions() ([]Info, error) {
	metas, err := m.store.Scan()
	if err != nil {
		return nil, fmt.Errorf("scanning transcript root: %w", err)
	}

	seen := make(map[string]bool, len(metas))
	infos := make([]Info, 0, len(metas))
	for _, meta := range metas {
		seen[meta.SessionID] = true
		info := Info{
			SessionID:        meta.SessionID,
			WorkingDirectory: meta.WorkingDir,
			Active:           m.Live(meta.SessionID),
			Summary:          meta.Summary,
			EarliestTS:       meta.EarliestTimestamp,
			LatestTS:         meta.LatestTimestamp,
		}
		infos = append(infos, info)
	}

	for _, s := range m.List() {
		id := s.ID()
		if seen[id] {
			continue
		}
		infos = append(infos, Info{
			SessionID:        id,
			WorkingDirectory: s.WorkingDirectory(),
			Active:           s.ChildPID() != 0,
		})
	}
	return infos, nil
}

// DescribeSession returns runtime info plus archived transcript content for
// one session. Live sessions with no file yet yield empty content; sessions
// that exist only on disk yield the parsed header and full content.
func (m *Manager) DescribeSession(id string) (Detail, error) {
	if s, ok := m.Get(id); ok {
		lines, err := m.store.ReadLines(id)
		if err != nil {
			return Detail{}, fmt.Errorf("reading transcript: %w", err)
		}
		return Detail{
			SessionID:        id,
			WorkingDirectory: s.WorkingDirectory(),
			Content:          lines,
			Live:             s.ChildPID() != 0,
			ChildPID:         s.ChildPID(),
			PendingApprovals: s.PendingApprovalCount(),
		}, nil
	}

	meta, ok := m.store.Find(id)
	if !ok {
		return Detail{}, ErrNotFound
	}
	lines, err := m.store.ReadLines(id)
	if err != nil {
		return Detail{}, fmt.Errorf("reading transcript: %w", err)
	}
	return Detail{
		SessionID:        id,
		WorkingDirectory: meta.WorkingDir,
		Content:          lines,
	}, nil
}
