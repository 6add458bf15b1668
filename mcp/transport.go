package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jrmatherly/nexus/config"
)

// transport is a duplex JSON-RPC message pipe. Stdio and SSE downstreams
// are duplex; streamable-HTTP is request-scoped and implemented separately.
type transport interface {
	send(ctx context.Context, msg *Message) error
	receive(ctx context.Context) (*Message, error)
	close() error
}

// killGrace is how long a stdio child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// stdioTransport exchanges newline-delimited JSON-RPC with a child
// process. The child's lifetime is bounded by the transport: close sends
// SIGTERM and escalates to SIGKILL after the grace period.
type stdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	stderr  *os.File // owned log file, nil for null/inherit

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
	logger  *zap.Logger
}

// newStdioTransport spawns the configured child process.
func newStdioTransport(cfg config.MCPServerConfig, logger *zap.Logger) (*stdioTransport, error) {
	if len(cfg.Cmd) == 0 {
		return nil, fmt.Errorf("stdio server requires a command")
	}
	cmd := exec.Command(cfg.Cmd[0], cfg.Cmd[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+config.ExpandEnv(v))
	}

	t := &stdioTransport{cmd: cmd, logger: logger}

	switch cfg.Stderr {
	case "", "null":
		cmd.Stderr = nil
	case "inherit":
		cmd.Stderr = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open stderr file %s: %w", cfg.Stderr, err)
		}
		cmd.Stderr = f
		t.stderr = f
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Cmd[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	t.stdin = stdin
	t.scanner = scanner
	return t, nil
}

// send writes one newline-delimited JSON-RPC message to the child's stdin.
func (t *stdioTransport) send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// receive reads the next newline-delimited message from the child's
// stdout. Called only from the client's single reader task.
func (t *stdioTransport) receive(ctx context.Context) (*Message, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("skipping malformed stdio line", zap.Error(err))
			continue
		}
		return &msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// close terminates the child: SIGTERM, grace period, then SIGKILL.
func (t *stdioTransport) close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = t.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = t.cmd.Process.Kill()
			<-done
		}
	}
	if t.stderr != nil {
		_ = t.stderr.Close()
	}
	return nil
}
