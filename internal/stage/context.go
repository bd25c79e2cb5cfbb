package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/pkgcache"
)

// TailSize is how much trailing output a failure message carries.
const TailSize = 1024

// BuildInfo identifies the build a stage runs for.
type BuildInfo struct {
	ID          uint
	Hash        string
	Namespace   string
	Environment string
	// Spec is the canonical JSON specification.
	Spec       []byte
	IsLockfile bool
}

// CancelCheck reports whether cancellation was requested.
type CancelCheck func() (bool, error)

// Log is the captured output of a whole build. It is safe for concurrent writes.
type Log struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Printf appends a formatted line.
func (l *Log) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	l.Write([]byte(msg))
}

// Bytes returns a copy of everything written so far.
func (l *Log) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(l.buf.Bytes())
}

// Tail returns at most the last n bytes.
func (l *Log) Tail(n int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buf.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Context is what a plugin sees while performing a stage. WorkDir is removed
// when the stage returns.
type Context struct {
	Stage   string
	Build   BuildInfo
	Prefix  string
	WorkDir string
	Pkgs    *pkgcache.Cache
	Logger  *slog.Logger
	// Env is appended to the process environment of every Run.
	Env []string

	log      *Log
	canceled CancelCheck
	inputs   []Output
}

// Logf writes a line to the build log.
func (sc *Context) Logf(format string, args ...any) {
	sc.log.Printf(format, args...)
}

// Output returns the build log writer.
func (sc *Context) Output() io.Writer { return sc.log }

// Input returns the most recent output of typ produced by an earlier stage.
func (sc *Context) Input(typ models.ArtifactType) (Output, bool) {
	for i := len(sc.inputs) - 1; i >= 0; i-- {
		if sc.inputs[i].Type == typ {
			return sc.inputs[i], true
		}
	}
	return Output{}, false
}

// CheckCanceled returns ErrCanceled once cancellation was requested.
func (sc *Context) CheckCanceled() error {
	if sc.canceled == nil {
		return nil
	}
	c, err := sc.canceled()
	if err != nil {
		return err
	}
	if c {
		return ErrCanceled
	}
	return nil
}

// Run executes a command in WorkDir with output going to the build log.
// A non-zero exit is a *CommandError when check is set. The cancel flag is
// consulted when the command returns; the command itself is not
// interrupted. Canceling ctx stops its whole process group, and Run then
// returns the context's cause.
func (sc *Context) Run(ctx context.Context, check bool, args ...string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("stage: run: empty command")
	}
	sc.log.Printf("$ %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = sc.WorkDir
	cmd.Env = append(os.Environ(), sc.Env...)
	tail := &tailWriter{max: TailSize}
	out := io.MultiWriter(sc.log, tail)
	cmd.Stdout = out
	cmd.Stderr = out
	// Use a process group so SIGTERM reaches solver and installer children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, fmt.Errorf("stage: run %s: %w", args[0], err)
		}
		code = exitErr.ExitCode()
	}
	if err := sc.CheckCanceled(); err != nil {
		return code, err
	}
	if code != 0 && check {
		return code, &CommandError{Args: args, ExitCode: code, Tail: tail.String()}
	}
	return code, nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int
	buf []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string { return string(t.buf) }
