package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/tools"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxCapturedOutput   = 64 * 1024
)

// ExecShell runs a command in the working directory. The command line is
// split with shell quoting rules but never passed to a shell.
type ExecShell struct {
	Timeout time.Duration
}

func (ExecShell) Name() string { return "exec_shell" }
func (ExecShell) Description() string {
	return "Run a command in the working directory. Args: {\"command\": \"go test ./...\"}"
}
func (ExecShell) Risks() []tools.Risk { return []tools.Risk{tools.RiskExecShell} }

func (ExecShell) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"command": {"type": "string", "minLength": 1}},
		"required": ["command"]
	}`)
}

// ShellOutput is the structured result of exec_shell
type ShellOutput struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (e ExecShell) Execute(ctx context.Context, tc tools.Context, input map[string]interface{}, stream tools.Stream) (interface{}, error) {
	line := stringArg(input, "command")
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", line)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidRequestError("empty command")
	}
	dir, err := resolve(tc.WorkingDir, ".")
	if err != nil {
		return nil, err
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range tc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout := &lineStream{emit: stream.StdoutDelta}
	stderr := &lineStream{emit: stream.StderrDelta}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	stdout.flush()
	stderr.flush()

	out := ShellOutput{Stdout: stdout.captured(), Stderr: stderr.captured()}
	if runErr == nil {
		return out, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errors.Wrapf(errors.ErrTimeout, "%s timed out after %s", args[0], timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(out.Stdout)
		}
		return nil, errors.Newf("%s exited with code %d: %s", args[0], out.ExitCode, msg)
	}
	return nil, errors.Wrapf(runErr, "run %s", args[0])
}

// lineStream forwards complete lines to emit and keeps a bounded copy
type lineStream struct {
	emit func(string)

	mu      sync.Mutex
	pending bytes.Buffer
	capture bytes.Buffer
}

func (l *lineStream) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if room := maxCapturedOutput - l.capture.Len(); room > 0 {
		l.capture.Write(p[:min(len(p), room)])
	}
	l.pending.Write(p)
	for {
		line, rest, found := strings.Cut(l.pending.String(), "\n")
		if !found {
			break
		}
		l.pending.Reset()
		l.pending.WriteString(rest)
		l.emit(line + "\n")
	}
	return len(p), nil
}

func (l *lineStream) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.Len() > 0 {
		l.emit(l.pending.String())
		l.pending.Reset()
	}
}

func (l *lineStream) captured() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capture.String()
}
