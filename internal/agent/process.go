package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const (
	writeQueueSize     = 128
	handshakeTimeout   = 30 * time.Second
	handshakeLineLimit = 10
)

// CLILauncher spawns the real agent CLI.
type CLILauncher struct {
	Binary string
	Logger *slog.Logger
}

func (l *CLILauncher) Launch(ctx context.Context, spec Spec) (Process, string, error) {
	return Spawn(ctx, l.Binary, spec, l.Logger)
}

// CLIProcess wraps one agent child. The stdin writer and stdout reader run
// as internal goroutines started at spawn; callers interact only through
// the queue-backed Write and the line channel behind Read.
type CLIProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeq chan []byte
	lines  chan json.RawMessage
	replay []json.RawMessage

	done    chan struct{}
	waitErr error
}

// Spawn starts the agent binary in cwd with the stream-json argument
// template and returns the handle plus the effective session id. The first
// payload is enqueued for stdin before the resume handshake is read, so a
// child that blocks on input cannot deadlock the handshake.
func Spawn(ctx context.Context, binary string, spec Spec, logger *slog.Logger) (*CLIProcess, string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--print",
		"--permission-prompt-tool", "stdio",
	}
	if spec.Resume {
		args = append(args, "--resume", spec.SessionID)
	} else {
		args = append(args, "--session-id", spec.SessionID)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.WorkingDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &CLIProcess{
		cmd:    cmd,
		logger: logger.With("component", "agent", "pid", cmd.Process.Pid),
		writeq: make(chan []byte, writeQueueSize),
		lines:  make(chan json.RawMessage, 64),
		done:   make(chan struct{}),
	}

	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			cp := make(json.RawMessage, len(line))
			copy(cp, line)
			if !json.Valid(cp) {
				p.logger.Warn("agent emitted non-JSON line", "line", string(cp))
			}
			p.lines <- cp
		}
		if err := scanner.Err(); err != nil {
			p.logger.Warn("agent stdout read failed", "error", err)
		}
	}()

	go func() {
		w := bufio.NewWriter(stdin)
		for {
			select {
			case line := <-p.writeq:
				if _, err := w.Write(line); err != nil {
					p.logger.Warn("agent stdin write failed", "error", err)
					return
				}
				if err := w.WriteByte('\n'); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					p.logger.Warn("agent stdin flush failed", "error", err)
					return
				}
			case <-p.done:
				_ = stdin.Close()
				return
			}
		}
	}()

	go func() {
		// Wait must not run until the stdout reader has drained the pipe.
		<-readerDone
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	if err := p.Write(spec.FirstPayload); err != nil {
		p.Kill()
		if errors.Is(err, ErrExited) {
			return nil, "", ErrEarlyExit
		}
		return nil, "", err
	}

	effectiveID := spec.SessionID
	if spec.Resume {
		effectiveID, err = p.readHandshake(ctx)
		if err != nil {
			p.Kill()
			return nil, "", err
		}
	}

	return p, effectiveID, nil
}

// readHandshake consumes early stdout lines until one carries a session_id
// string, buffering everything it reads for replay through Read. The id
// must arrive within handshakeLineLimit lines and handshakeTimeout.
func (p *CLIProcess) readHandshake(ctx context.Context) (string, error) {
	deadline := time.After(handshakeTimeout)
	for i := 0; i < handshakeLineLimit; i++ {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return "", ErrEarlyExit
			}
			p.replay = append(p.replay, line)
			var hs struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(line, &hs); err == nil && hs.SessionID != "" {
				return hs.SessionID, nil
			}
		case <-deadline:
			return "", ErrStartupTimeout
		case <-ctx.Done():
			return "", ErrStartupTimeout
		}
	}
	return "", fmt.Errorf("%w: no session_id in first %d lines", ErrHandshakeMalformed, handshakeLineLimit)
}

// Write compacts payload to a single line and enqueues it for stdin.
func (p *CLIProcess) Write(payload []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	select {
	case <-p.done:
		return ErrExited
	default:
	}
	select {
	case p.writeq <- buf.Bytes():
		return nil
	case <-p.done:
		return ErrExited
	}
}

// Read returns the next stdout line, starting with any lines buffered
// during the resume handshake. The second result is false once the child
// has closed stdout. Single consumer.
func (p *CLIProcess) Read() (json.RawMessage, bool) {
	if len(p.replay) > 0 {
		line := p.replay[0]
		p.replay = p.replay[1:]
		return line, true
	}
	line, ok := <-p.lines
	return line, ok
}

// Wait blocks until the child exits. Safe for concurrent callers.
func (p *CLIProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// Done is closed when the child has exited.
func (p *CLIProcess) Done() <-chan struct{} {
	return p.done
}

func (p *CLIProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return ErrExited
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *CLIProcess) Kill() {
	_ = p.cmd.Process.Kill()
}

func (p *CLIProcess) PID() int {
	return p.cmd.Process.Pid
}
