// Package pty runs shell commands under a pseudo-terminal and collects
// their output.
package pty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Signal types for process control
type Signal int

const (
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
)

const (
	DefaultMaxOutput = 1 << 20
	drainTimeout     = time.Second
)

// Result is the outcome of one command.
type Result struct {
	Output     string
	ExitStatus int
	Truncated  bool
}

// Runner starts commands through a shell.
type Runner struct {
	Shell     string
	MaxOutput int
	Cols      uint16
	Rows      uint16

	// escalation delays, shortened in tests
	interruptWait time.Duration
	termWait      time.Duration
}

// NewRunner returns a runner using shell, e.g. /bin/sh.
func NewRunner(shell string) *Runner {
	return &Runner{
		Shell:         shell,
		MaxOutput:     DefaultMaxOutput,
		Cols:          200,
		Rows:          50,
		interruptWait: 500 * time.Millisecond,
		termWait:      time.Second,
	}
}

// Run executes command in dir and waits for it to exit. When ctx ends first
// the process group is interrupted, then terminated, then killed, and the
// partial result is returned with ctx's error.
func (r *Runner) Run(ctx context.Context, command, dir string) (*Result, error) {
	cmd := exec.Command(r.Shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=dumb")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: r.Cols, Rows: r.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	defer ptmx.Close()

	out := &limitedBuffer{max: r.MaxOutput}
	drained := make(chan struct{})
	go func() {
		// Reads fail with EIO once the last slave handle is closed.
		io.Copy(out, ptmx)
		close(drained)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var waitErr, ctxErr error
	select {
	case waitErr = <-exited:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		waitErr = r.stop(cmd.Process.Pid, exited)
	}

	// Background children may keep the terminal open; stop waiting after a bit.
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		ptmx.Close()
		<-drained
	}

	res := &Result{
		Output:    strings.ReplaceAll(out.String(), "\r\n", "\n"),
		Truncated: out.truncated,
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitStatus = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait %q: %w", command, waitErr)
	}

	if ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

// stop escalates signals to the process group until the process exits:
// SIGINT three times, then SIGTERM, then SIGKILL.
func (r *Runner) stop(pid int, exited <-chan error) error {
	for i := 0; i < 3; i++ {
		signalGroup(pid, SIGINT)
		select {
		case err := <-exited:
			return err
		case <-time.After(r.interruptWait):
		}
	}

	signalGroup(pid, SIGTERM)
	select {
	case err := <-exited:
		return err
	case <-time.After(r.termWait):
	}

	signalGroup(pid, SIGKILL)
	return <-exited
}

// signalGroup signals the process group led by pid. The child is a session
// leader, so its group id equals its pid.
func signalGroup(pid int, sig Signal) {
	if err := syscall.Kill(-pid, syscall.Signal(sig)); err != nil {
		syscall.Kill(pid, syscall.Signal(sig))
	}
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
