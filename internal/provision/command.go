package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
)

// TimeoutExitCode is reported for commands killed by a timeout.
const TimeoutExitCode = 124

var (
	ErrGlobalTimeout = errors.New("global timeout reached")
	ErrOutputTimeout = errors.New("output timeout reached")
)

// Command is a shell script run on behalf of a job.
type Command struct {
	Script        string
	Dir           string
	Env           map[string]string
	Output        io.Writer
	GlobalTimeout time.Duration
	OutputTimeout time.Duration
}

// RunCommand runs c with bash and returns its exit status. Timeouts kill
// the command and are reported as ErrGlobalTimeout or ErrOutputTimeout
// together with TimeoutExitCode.
func RunCommand(ctx context.Context, c Command) (int, error) {
	out := c.Output
	if out == nil {
		out = io.Discard
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if c.GlobalTimeout > 0 {
		timer := time.AfterFunc(c.GlobalTimeout, func() { cancel(ErrGlobalTimeout) })
		defer timer.Stop()
	}

	w := &watchdogWriter{w: out}
	if c.OutputTimeout > 0 {
		w.timeout = c.OutputTimeout
		w.timer = time.AfterFunc(c.OutputTimeout, func() { cancel(ErrOutputTimeout) })
		defer w.stop()
	}

	cmd := exec.CommandContext(runCtx, "bash", "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = commandEnv(c.Env)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if cause := context.Cause(runCtx); errors.Is(cause, ErrGlobalTimeout) || errors.Is(cause, ErrOutputTimeout) {
		limit := c.GlobalTimeout
		if errors.Is(cause, ErrOutputTimeout) {
			limit = c.OutputTimeout
		}
		fmt.Fprintf(out, "\nERROR: %s (%s)\n", cause, limit)
		return TimeoutExitCode, cause
	}

	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
	}
	return ExitProvisioningError, fmt.Errorf("run command: %w", err)
}

// CommandResult converts the outcome of RunCommand into a stage error.
func CommandResult(code int, err error) error {
	switch {
	case errors.Is(err, ErrGlobalTimeout):
		return &ExitError{Code: code, Reason: string(lifecycle.EventGlobalTimeout)}
	case errors.Is(err, ErrOutputTimeout):
		return &ExitError{Code: code, Reason: string(lifecycle.EventOutputTimeout)}
	case err != nil:
		return NewProvisioningError("failed to run commands", err)
	case code != 0:
		return &ExitError{Code: code}
	default:
		return nil
	}
}

func commandEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// watchdogWriter re-arms the output timer on every write.
type watchdogWriter struct {
	mu      sync.Mutex
	w       io.Writer
	timer   *time.Timer
	timeout time.Duration
}

func (w *watchdogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && len(p) > 0 {
		w.timer.Reset(w.timeout)
	}
	return w.w.Write(p)
}

func (w *watchdogWriter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
}
