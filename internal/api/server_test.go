package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakeProcess struct {
	writeCh chan []byte
	lines   chan json.RawMessage
	done    chan struct{}
	once    sync.Once
	waitErr error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		writeCh: make(chan []byte, 64),
		lines:   make(chan json.RawMessage, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeProcess) Write(p []byte) error {
	select {
	case <-f.done:
		return agent.ErrExited
	default:
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return agent.ErrBadPayload
	}
	f.writeCh <- buf.Bytes()
	return nil
}

func (f *fakeProcess) Read() (json.RawMessage, bool) {
	line, ok := <-f.lines
	return line, ok
}

func (f *fakeProcess) emit(line string) {
	f.lines <- json.RawMessage(line)
}

func (f *fakeProcess) exit() {
	f.once.Do(func() {
		close(f.lines)
		close(f.done)
	})
}

func (f *fakeProcess) Wait() error {
	<-f.done
	return f.waitErr
}

func (f *fakeProcess) Done() <-chan struct{} { return f.done }

func (f *fakeProcess) Signal(os.Signal) error {
	f.exit()
	return nil
}

func (f *fakeProcess) Kill() { f.exit() }

func (f *fakeProcess) PID() int { return 4242 }

type fakeLauncher struct {
	root        string
	effectiveID string

	mu    sync.Mutex
	procs map[string]*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, spec agent.Spec) (agent.Process, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := spec.SessionID
	if spec.Resume && l.effectiveID != "" {
		id = l.effectiveID
	}
	p := newFakeProcess()
	if err := p.Write(spec.FirstPayload); err != nil {
		return nil, "", err
	}
	l.procs[id] = p
	line := `{"sessionId":"` + id + `","cwd":"` + spec.WorkingDir + `"}` + "\n"
	if err := os.WriteFile(filepath.Join(l.root, id+".jsonl"), []byte(line), 0o644); err != nil {
		return nil, "", err
	}
	return p, id, nil
}

func (l *fakeLauncher) proc(id string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeLauncher) {
	t.Helper()
	root := t.TempDir()
	launcher := &fakeLauncher{root: root, procs: make(map[string]*fakeProcess)}
	store := transcript.NewStore(root, testLogger())
	mgr := session.NewManager(launcher, store, testLogger(), session.Options{
		StartupFileTimeout:  2 * time.Second,
		StartupPollInterval: 10 * time.Millisecond,
		ShutdownGrace:       time.Second,
	})
	srv := NewServer(mgr, Config{}, testLogger())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, launcher
}

func createSession(t *testing.T, ts *httptest.Server, id, dir string) createSessionResponse {
	t.Helper()
	resp := postJSON(t, ts, map[string]any{
		"session_id":    id,
		"working_dir":   dir,
		"first_message": []string{`{"role":"user","content":"hi"}`},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func postJSON(t *testing.T, ts *httptest.Server, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Error, body.Code
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func recvWrite(t *testing.T, p *fakeProcess) []byte {
	t.Helper()
	select {
	case b := <-p.writeCh:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdin write")
	}
	return nil
}

func TestCreateSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	dir := t.TempDir()

	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	if msg, code := decodeError(t, resp); resp.StatusCode != http.StatusBadRequest || code != "INVALID_REQUEST" {
		t.Errorf("broken body: status=%d code=%s msg=%s", resp.StatusCode, code, msg)
	}

	resp = postJSON(t, ts, map[string]any{"working_dir": dir, "first_message": []string{"{}"}})
	if _, code := decodeError(t, resp); resp.StatusCode != http.StatusBadRequest || code != "INVALID_REQUEST" {
		t.Errorf("empty id: status=%d code=%s", resp.StatusCode, code)
	}

	resp = postJSON(t, ts, map[string]any{"session_id": "s", "working_dir": dir})
	if _, code := decodeError(t, resp); resp.StatusCode != http.StatusBadRequest || code != "INVALID_REQUEST" {
		t.Errorf("empty first message: status=%d code=%s", resp.StatusCode, code)
	}

	resp = postJSON(t, ts, map[string]any{
		"session_id":    "s",
		"working_dir":   filepath.Join(dir, "absent"),
		"first_message": []string{"{}"},
	})
	if _, code := decodeError(t, resp); resp.StatusCode != http.StatusBadRequest || code != "WORKING_DIR_INVALID" {
		t.Errorf("bad working dir: status=%d code=%s", resp.StatusCode, code)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ts, _ := newTestServer(t)
	dir := t.TempDir()

	out := createSession(t, ts, "s1", dir)
	if out.SessionID != "s1" {
		t.Errorf("session_id = %q", out.SessionID)
	}
	if out.WebsocketURL != "/api/v1/sessions/s1/transcript" {
		t.Errorf("websocket_url = %q", out.WebsocketURL)
	}
	if out.ApprovalWebsocketURL != "/api/v1/sessions/s1/approvals" {
		t.Errorf("approval_websocket_url = %q", out.ApprovalWebsocketURL)
	}

	resp, err := http.Get(ts.URL + "/api/v1/sessions/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var detail sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.WebsocketURL == "" || detail.ChildPID == 0 {
		t.Errorf("live session detail = %+v", detail)
	}
	if len(detail.Content) != 1 {
		t.Errorf("content lines = %d, want 1", len(detail.Content))
	}

	resp, err = http.Get(ts.URL + "/api/v1/sessions/absent")
	if err != nil {
		t.Fatal(err)
	}
	if _, code := decodeError(t, resp); resp.StatusCode != http.StatusNotFound || code != "SESSION_NOT_FOUND" {
		t.Errorf("missing session: status=%d code=%s", resp.StatusCode, code)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	createSession(t, ts, "s1", t.TempDir())

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s1" || !body.Sessions[0].Active {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestTranscriptEchoAndBroadcast(t *testing.T) {
	ts, launcher := newTestServer(t)
	createSession(t, ts, "s1", t.TempDir())
	p := launcher.proc("s1")
	recvWrite(t, p) // spawn payload

	connA := dialWS(t, ts, "/api/v1/sessions/s1/transcript")
	connB := dialWS(t, ts, "/api/v1/sessions/s1/transcript")

	payload := `{"role":"user","content":"x"}`
	if err := connA.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatal(err)
	}

	// B sees A's input echoed; it also lands on the child's stdin.
	if got := string(readFrame(t, connB)); got != payload {
		t.Errorf("B echo = %s, want %s", got, payload)
	}
	if got := string(recvWrite(t, p)); got != payload {
		t.Errorf("stdin = %s, want %s", got, payload)
	}

	// Agent output reaches both. A must get it as its first frame: the
	// echo of its own input was excluded.
	agentLine := `{"type":"assistant","content":"ok"}`
	p.emit(agentLine)
	if got := string(readFrame(t, connA)); got != agentLine {
		t.Errorf("A frame = %s, want %s (no self-echo)", got, agentLine)
	}
	if got := string(readFrame(t, connB)); got != agentLine {
		t.Errorf("B frame = %s, want %s", got, agentLine)
	}
}

func TestTranscriptInvalidFramesIgnored(t *testing.T) {
	ts, launcher := newTestServer(t)
	createSession(t, ts, "s1", t.TempDir())
	p := launcher.proc("s1")
	recvWrite(t, p)

	conn := dialWS(t, ts, "/api/v1/sessions/s1/transcript")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	// A valid frame after the junk still goes through.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	if got := string(recvWrite(t, p)); got != `{"n":1}` {
		t.Errorf("stdin = %s, want %s (junk frames must be skipped)", got, `{"n":1}`)
	}
}

func TestApprovalRoundTripOverWS(t *testing.T) {
	ts, launcher := newTestServer(t)
	createSession(t, ts, "s2", t.TempDir())
	p := launcher.proc("s2")
	recvWrite(t, p)

	conn := dialWS(t, ts, "/api/v1/sessions/s2/approvals")

	p.emit(`{"type":"control_request","request_id":"agent-42","request":{"subtype":"can_use_tool","tool_name":"Read"}}`)

	var msg approvalMessage
	if err := json.Unmarshal(readFrame(t, conn), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.CreatedAt == 0 {
		t.Errorf("approval message = %+v", msg)
	}
	if string(msg.Request) != `{"subtype":"can_use_tool","tool_name":"Read"}` {
		t.Errorf("request = %s", msg.Request)
	}

	decision := `{"id":"` + msg.ID + `","response":{"behavior":"allow","updatedInput":{}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(decision)); err != nil {
		t.Fatal(err)
	}

	var envelope struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string          `json:"subtype"`
			RequestID string          `json:"request_id"`
			Response  json.RawMessage `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal(recvWrite(t, p), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Type != "control_response" ||
		envelope.Response.Subtype != "success" ||
		envelope.Response.RequestID != "agent-42" ||
		string(envelope.Response.Response) != `{"behavior":"allow","updatedInput":{}}` {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestApprovalReplayOnConnect(t *testing.T) {
	ts, launcher := newTestServer(t)
	createSession(t, ts, "s3", t.TempDir())
	p := launcher.proc("s3")
	recvWrite(t, p)

	p.emit(`{"type":"control_request","request_id":"a1","request":{"subtype":"can_use_tool","tool_name":"Read"}}`)
	p.emit(`{"type":"control_request","request_id":"a2","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`)

	// Give the router time to park both before connecting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.lines) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	conn := dialWS(t, ts, "/api/v1/sessions/s3/approvals")
	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		var msg approvalMessage
		if err := json.Unmarshal(readFrame(t, conn), &msg); err != nil {
			t.Fatal(err)
		}
		ids[msg.ID] = true
	}
	if len(ids) != 2 {
		t.Errorf("replayed wrapper ids = %v, want 2 distinct", ids)
	}
}

func TestStreamsRefusedForUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{
		"/api/v1/sessions/ghost/transcript",
		"/api/v1/sessions/ghost/approvals",
	} {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Errorf("%s: dial succeeded, want refusal", path)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: resp = %+v", path, resp)
		}
	}
}

func TestChildExitClosesStream(t *testing.T) {
	ts, launcher := newTestServer(t)
	createSession(t, ts, "s4", t.TempDir())
	conn := dialWS(t, ts, "/api/v1/sessions/s4/transcript")

	launcher.proc("s4").exit()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read after child exit = %v, want close frame", err)
	}

	// The session is still readable, but no longer live.
	resp, err := http.Get(ts.URL + "/api/v1/sessions/s4")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after exit = %d", resp.StatusCode)
	}
	var detail sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.WebsocketURL != "" {
		t.Errorf("dead session still advertises websocket_url %q", detail.WebsocketURL)
	}
}

func TestResumeRenamesSession(t *testing.T) {
	ts, launcher := newTestServer(t)
	launcher.effectiveID = "new"
	dir := t.TempDir()

	resp := postJSON(t, ts, map[string]any{
		"session_id":    "old",
		"working_dir":   dir,
		"resume":        true,
		"first_message": []string{`{"session_id":"new"}`, `{"role":"user","content":"go"}`},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.SessionID != "new" {
		t.Errorf("session_id = %q, want new", out.SessionID)
	}

	getNew, err := http.Get(ts.URL + "/api/v1/sessions/new")
	if err != nil {
		t.Fatal(err)
	}
	getNew.Body.Close()
	if getNew.StatusCode != http.StatusOK {
		t.Errorf("get new = %d", getNew.StatusCode)
	}

	getOld, err := http.Get(ts.URL + "/api/v1/sessions/old")
	if err != nil {
		t.Fatal(err)
	}
	if _, code := decodeError(t, getOld); getOld.StatusCode != http.StatusNotFound || code != "SESSION_NOT_FOUND" {
		t.Errorf("get old: status=%d code=%s", getOld.StatusCode, code)
	}
}
