// Package procexec is the Process Executor (C5): it spawns child processes,
// feeds them input, drains their output into the Session Store, and drives
// the early-exit protocol on top of procstate's pure classifier. Every
// other component exists to serve this one.
//
// Grounded on internal/egg/server.go's RunSession (PTY spawn, cmd.Cancel /
// cmd.WaitDelay graceful shutdown, process-group SIGTERM→SIGKILL) and on
// the sibling native/process.go's spawn/stream/kill pattern (PATH
// resolution fallback, syscall.Setpgid, signal-to-process-group via
// syscall.Getpgid/syscall.Kill).
package procexec

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/hostbridge/hostbridged/internal/logger"
	"github.com/hostbridge/hostbridged/internal/procstate"
	"github.com/hostbridge/hostbridged/internal/session"
)

// ErrSpawnFailure wraps an OS-level failure to start a child process.
var ErrSpawnFailure = errors.New("procexec: spawn failed")

// ErrSessionGone is returned by InteractWithProcess when the target
// session's process has already exited.
var ErrSessionGone = session.ErrSessionGone

// pollInterval bounds how long the early-exit loop waits between idle-tail
// re-checks; any new byte wakes it immediately regardless of this value.
const pollInterval = 50 * time.Millisecond

// killGrace is the delay between SIGTERM and SIGKILL in forceTerminate.
const killGrace = 200 * time.Millisecond

// watchdogIdleThreshold is how long a freshly spawned session may produce no
// output before the idle watchdog logs a diagnostic notice. Purely
// informational: it never touches Session state. A var, not a const, so
// tests can shrink it instead of sleeping 30 real seconds.
var watchdogIdleThreshold = 30 * time.Second

// defaultCols/defaultRows size the PTY allocated for every session. The
// core never does full terminal rendering (non-goal), but a real tty is
// what makes stdout/stderr arrive pre-merged in true OS order instead of
// via two independently-scheduled pipes.
const defaultCols = 120
const defaultRows = 40

// StartResult is the reply shape for startProcess.
type StartResult struct {
	PID       int
	Output    []byte
	State     procstate.State
	IsBlocked bool
}

// ReadResult is the shared reply shape for readProcessOutput and
// interactWithProcess.
type ReadResult struct {
	Output     []byte
	State      procstate.State
	IsComplete bool
	ExitCode   int
	HasExit    bool
	TimedOut   bool
}

// Executor owns no state of its own beyond a reference to the Session
// Store; every Session it creates is immediately handed to the store,
// which is the sole owner from that point on. log is optional (nil is
// fine, e.g. in tests) and only feeds the idle-session watchdog.
type Executor struct {
	store *session.Store
	log   logger.Notifier
}

// New builds an Executor against the given Session Store, reporting idle
// watchdog notices through notifier (nil disables the watchdog's logging,
// but the check still runs harmlessly).
func New(store *session.Store, notifier logger.Notifier) *Executor {
	return &Executor{store: store, log: notifier}
}

// StartProcess spawns command behind a shell (or the caller-supplied shell
// override), returning as soon as the early-exit protocol has useful news:
// the child exits, a prompt is detected, or timeout elapses.
//
// Precondition: command must already have passed Command Policy review —
// the Tool Dispatcher (C7) is responsible for that check, not this method.
func (e *Executor) StartProcess(command string, timeout time.Duration, shell string) (*StartResult, error) {
	bin, args := buildShellInvocation(command, shell)

	cmd := exec.Command(bin, args...)
	applyProcessGroup(cmd)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(defaultCols), Rows: uint16(defaultRows)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	sess := e.store.Create(cmd.Process.Pid, session.Spec{
		Command:   command,
		Shell:     shell,
		StartedAt: time.Now(),
	})

	go drainPTY(sess, ptmx)
	go waitForExit(sess, cmd, ptmx)
	go e.watchIdle(sess)

	out, newCursor, state, isBlocked := waitForEarlyExit(sess, 0, time.Now().Add(timeout))
	sess.SetBlocked(isBlocked)
	sess.CommitReadCursor(newCursor)

	return &StartResult{
		PID:       cmd.Process.Pid,
		Output:    out,
		State:     state,
		IsBlocked: isBlocked,
	}, nil
}

// watchIdle logs once, via the Notifier, if sess produces no output within
// watchdogIdleThreshold of spawn and is still running. It never touches
// Session state — diagnostic only.
func (e *Executor) watchIdle(sess *session.Session) {
	time.Sleep(watchdogIdleThreshold)
	if e.log == nil {
		return
	}
	if sess.State() != procstate.Running {
		return
	}
	if time.Since(sess.LastActivity()) < watchdogIdleThreshold {
		return
	}
	e.log.Emit("warn", "session idle since spawn", "pid", sess.PID, "idle_for", time.Since(sess.LastActivity()).String())
}

// ReadProcessOutput drains whatever new bytes have accumulated since the
// session's last read, applying the same early-exit rules as startProcess.
func (e *Executor) ReadProcessOutput(pid int, timeout time.Duration) (*ReadResult, error) {
	sess, err := e.store.Get(pid)
	if err != nil {
		return nil, err
	}
	cursor := sess.ReadCursor()
	out, newCursor, state, timedOut := waitForEarlyExit(sess, cursor, time.Now().Add(timeout))
	sess.CommitReadCursor(newCursor)

	res := &ReadResult{Output: out, State: state, TimedOut: timedOut, IsComplete: state == procstate.Finished}
	if code, ok := sess.ExitCode(); ok {
		res.ExitCode = code
		res.HasExit = true
	}
	return res, nil
}

// InteractWithProcess writes input (with a trailing newline appended if
// absent) to the child's stdin, then optionally waits for the next prompt
// or exit using the same early-exit rules.
func (e *Executor) InteractWithProcess(pid int, input string, timeout time.Duration, waitForPrompt bool) (*ReadResult, error) {
	sess, err := e.store.Get(pid)
	if err != nil {
		return nil, err
	}
	if sess.State() == procstate.Finished {
		return nil, ErrSessionGone
	}

	w, ok := writers[pid]
	if !ok {
		return nil, ErrSessionGone
	}
	payload := input
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload += "\n"
	}
	if _, err := w.Write([]byte(payload)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionGone, err)
	}

	cursor := sess.ReadCursor()
	if !waitForPrompt {
		return &ReadResult{State: sess.State()}, nil
	}

	out, newCursor, state, timedOut := waitForEarlyExit(sess, cursor, time.Now().Add(timeout))
	sess.CommitReadCursor(newCursor)
	res := &ReadResult{Output: out, State: state, TimedOut: timedOut, IsComplete: state == procstate.Finished}
	if code, ok := sess.ExitCode(); ok {
		res.ExitCode = code
		res.HasExit = true
	}
	return res, nil
}

// ForceTerminate sends SIGTERM to the process group, then SIGKILL after a
// short grace period if the process has not yet exited. Idempotent: a
// second call on an already-terminated pid is a harmless no-op.
func (e *Executor) ForceTerminate(pid int) error {
	sess, err := e.store.Get(pid)
	if err != nil {
		return err
	}
	if sess.State() == procstate.Finished {
		return nil
	}

	signalGroup(pid, syscall.SIGTERM)
	deadline := time.After(killGrace)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if sess.State() == procstate.Finished {
			return nil
		}
		select {
		case <-deadline:
			signalGroup(pid, syscall.SIGKILL)
			return nil
		case <-tick.C:
		}
	}
}

// ListSessions returns a snapshot of every live session.
func (e *Executor) ListSessions() []session.Snapshot {
	return e.store.List()
}

func buildShellInvocation(command, shell string) (string, []string) {
	if shell != "" {
		return shell, []string{"-c", command}
	}
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/c", command}
	}
	return "/bin/sh", []string{"-c", command}
}
