// Package transcript reads the JSONL transcript files the agent writes
// under the transcript root. The store never writes; the agent child owns
// the files.
package transcript

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store scans and parses transcript files below a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{root: root, logger: logger.With("component", "transcript")}
}

// Meta is the header extracted from one transcript file.
type Meta struct {
	SessionID         string
	WorkingDir        string
	Summary           string
	EarliestTimestamp string
	LatestTimestamp   string
	Path              string
}

// Scan walks the root recursively and parses every .jsonl file. Files with
// no parseable line are skipped silently. A file whose internal sessionId
// disagrees with its filename stem is skipped with a warning.
func (s *Store) Scan() ([]Meta, error) {
	var metas []Meta
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("transcript walk error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		meta, ok := s.parseFile(path)
		if !ok {
			return nil
		}
		stem := strings.TrimSuffix(d.Name(), ".jsonl")
		if meta.SessionID != "" && meta.SessionID != stem {
			s.logger.Warn("transcript file name disagrees with its session id, skipping",
				"path", path, "session_id", meta.SessionID)
			return nil
		}
		if meta.SessionID == "" {
			meta.SessionID = stem
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Find locates the transcript file named <sessionID>.jsonl anywhere below
// the root and returns its parsed header.
func (s *Store) Find(sessionID string) (Meta, bool) {
	path, ok := s.findPath(sessionID)
	if !ok {
		return Meta{}, false
	}
	meta, ok := s.parseFile(path)
	if !ok {
		return Meta{}, false
	}
	if meta.SessionID != "" && meta.SessionID != sessionID {
		s.logger.Warn("transcript file name disagrees with its session id, skipping",
			"path", path, "session_id", meta.SessionID)
		return Meta{}, false
	}
	meta.SessionID = sessionID
	return meta, true
}

// ReadLines returns the raw JSON lines of a session's transcript file in
// file order. A missing file yields an empty slice, not an error.
func (s *Store) ReadLines(sessionID string) ([]json.RawMessage, error) {
	path, ok := s.findPath(sessionID)
	if !ok {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !json.Valid(line) {
			continue
		}
		cp := make(json.RawMessage, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	return lines, scanner.Err()
}

// HasContent reports whether the session's transcript file exists and is
// non-empty. Used to gate session creation on the child having flushed its
// first line.
func (s *Store) HasContent(sessionID string) bool {
	path, ok := s.findPath(sessionID)
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func (s *Store) findPath(sessionID string) (string, bool) {
	want := sessionID + ".jsonl"
	var found string
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == want {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// parseFile extracts header metadata from a transcript file. Lines that are
// not valid JSON objects are skipped; a file with zero parseable lines
// reports ok == false. Timestamps are ISO-8601 strings, so lexicographic
// min/max is chronological.
func (s *Store) parseFile(path string) (Meta, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, false
	}
	defer func() { _ = f.Close() }()

	meta := Meta{Path: path}
	parsed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			SessionID string `json:"sessionId"`
			Cwd       string `json:"cwd"`
			Type      string `json:"type"`
			Summary   string `json:"summary"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		parsed++
		if meta.SessionID == "" && entry.SessionID != "" {
			meta.SessionID = entry.SessionID
		}
		if meta.WorkingDir == "" && entry.Cwd != "" {
			meta.WorkingDir = entry.Cwd
		}
		if entry.Type == "summary" && entry.Summary != "" {
			meta.Summary = entry.Summary
		}
		if entry.Timestamp != "" {
			if meta.EarliestTimestamp == "" || entry.Timestamp < meta.EarliestTimestamp {
				meta.EarliestTimestamp = entry.Timestamp
			}
			if entry.Timestamp > meta.LatestTimestamp {
				meta.LatestTimestamp = entry.Timestamp
			}
		}
	}
	return meta, parsed > 0
}
