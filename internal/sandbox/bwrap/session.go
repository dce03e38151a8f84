package bwrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Session is a persistent shell running inside the sandbox. Unlike
// Exec, commands sent to a session share one shell process, so working
// directory and environment changes persist between them.
type Session struct {
	ID string

	handle *handle
	cmd    *exec.Cmd
	ptmx   *os.File
	cancel context.CancelFunc

	mu     sync.Mutex
	buf    strings.Builder
	closed bool
}

// OpenShell starts a persistent shell session in the sandbox.
func (h *handle) OpenShell(ctx context.Context, shell string) (*Session, error) {
	if shell == "" {
		shell = "/bin/bash"
	}
	shellArgs := []string{"-i"}
	if strings.Contains(shell, "bash") {
		shellArgs = []string{"--norc", "--noprofile", "-i"}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, types.NewSandboxError(providerName, "open shell", types.ErrInvalidState)
	}
	h.mu.Unlock()

	env := sandbox.BuildEnv(&h.policy.Env, map[string]string{"PS1": "$ ", "TERM": "dumb"})
	spec := &types.CommandSpec{Program: shell, Args: shellArgs}
	argv := commandArgs(h.baseArgs, h.checker.WorkspaceRoot(), env, spec)

	sessionCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(sessionCtx, h.bwrapPath, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return nil, types.NewSandboxError(providerName, "open shell", err)
	}

	s := &Session{
		ID:     newSessionID(),
		handle: h,
		cmd:    cmd,
		ptmx:   ptmx,
		cancel: cancel,
	}
	go s.readOutput()

	h.mu.Lock()
	if h.sessions == nil {
		h.sessions = make(map[*Session]struct{})
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	logging.Debug("opened shell session",
		logging.String("session_id", s.ID),
		logging.String("shell", shell),
	)
	return s, nil
}

func newSessionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "shell_" + hex.EncodeToString(b)
}

// readOutput drains the pty into the session buffer.
func (s *Session) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := strings.ReplaceAll(string(buf[:n]), "\r\n", "\n")
			chunk = strings.ReplaceAll(chunk, "\r", "")
			s.mu.Lock()
			s.buf.WriteString(chunk)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Run executes a shell command in the session and waits for it to
// finish. The output between the command markers is returned; a timeout
// interrupts the command with Ctrl-C and reports TimedOut.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (*types.CommandResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewSandboxError(providerName, "session run", types.ErrInvalidState)
	}
	s.buf.Reset()
	s.mu.Unlock()

	markerBytes := make([]byte, 8)
	rand.Read(markerBytes)
	marker := hex.EncodeToString(markerBytes)
	startMarker := fmt.Sprintf("___BEGIN_%s___", marker)
	endMarker := fmt.Sprintf("___DONE_%s_", marker)

	// The trailing echo appends the exit code: ___DONE_<marker>_<code>___
	wrapped := fmt.Sprintf("echo '%s'; %s; echo '%s'$?'___'\n", startMarker, command, endMarker)

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if _, err := s.ptmx.WriteString(wrapped); err != nil {
		return nil, types.NewSandboxError(providerName, "session run", err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Interrupt whatever is still running so the shell survives.
			s.mu.Lock()
			s.ptmx.Write([]byte{0x03})
			s.mu.Unlock()
			return &types.CommandResult{
				ExitCode: -1,
				TimedOut: true,
				Duration: time.Since(start),
			}, nil
		case <-ticker.C:
			if result, ok := s.scan(startMarker, endMarker, start); ok {
				return result, nil
			}
		}
	}
}

// scan looks for a completed marker pair in the buffer.
func (s *Session) scan(startMarker, endMarker string, start time.Time) (*types.CommandResult, bool) {
	s.mu.Lock()
	output := s.buf.String()
	s.mu.Unlock()

	// The end marker must start a line, otherwise it matches the
	// echoed command itself.
	endIdx := strings.LastIndex(output, "\n"+endMarker)
	if endIdx == -1 {
		return nil, false
	}
	endIdx++

	afterEnd := output[endIdx+len(endMarker):]
	closeIdx := strings.Index(afterEnd, "___")
	if closeIdx == -1 {
		return nil, false
	}
	exitCode := 0
	fmt.Sscanf(strings.TrimSpace(afterEnd[:closeIdx]), "%d", &exitCode)

	var body string
	startFull := startMarker + "\n"
	if startIdx := strings.LastIndex(output[:endIdx], startFull); startIdx != -1 {
		body = strings.TrimRight(output[startIdx+len(startFull):endIdx], "\n")
	}

	return &types.CommandResult{
		Stdout:   body,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, true
}

// Close terminates the shell and its process group.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.cmd.Process != nil {
		if pgid, err := syscall.Getpgid(s.cmd.Process.Pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			s.cmd.Process.Kill()
		}
	}
	s.ptmx.Close()

	s.handle.mu.Lock()
	delete(s.handle.sessions, s)
	s.handle.mu.Unlock()
	return nil
}
