package procexec

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hostbridge/hostbridged/internal/procstate"
	"github.com/hostbridge/hostbridged/internal/session"
)

// writers maps a live session's pid to its PTY write end, so
// InteractWithProcess can inject stdin without threading the handle through
// the Session Store (which owns output, not input). Entries are removed
// once the child is reaped.
var (
	writersMu sync.Mutex
	writers   = map[int]io.Writer{}
)

func registerWriter(pid int, w io.Writer) {
	writersMu.Lock()
	writers[pid] = w
	writersMu.Unlock()
}

func unregisterWriter(pid int) {
	writersMu.Lock()
	delete(writers, pid)
	writersMu.Unlock()
}

// applyProcessGroup puts the child in its own process group so
// forceTerminate can signal the whole tree, not just the shell leader.
func applyProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to pid's process group. Errors are ignored: the
// process may already be gone, which is the idempotent-termination case.
func signalGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, sig)
}

// drainPTY is the Session's sole writer into its output buffer. It owns the
// read side of the pty for the process's whole lifetime, exactly as
// internal/egg/server.go's readPTY owns the replay buffer's write side.
func drainPTY(sess *session.Session, r io.Reader) {
	registerWriter(sess.PID, r.(io.Writer))
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sess.AppendOutput(buf[:n])
		}
		if err != nil {
			unregisterWriter(sess.PID)
			return
		}
	}
}

// waitForExit blocks on cmd.Wait and publishes the terminal state once the
// child is reaped. This is the only place a Session transitions to
// Finished, satisfying the "observed by C5, not by text analysis" rule.
func waitForExit(sess *session.Session, cmd *exec.Cmd, ptmx io.Closer) {
	err := cmd.Wait()
	code := exitCodeFromError(err)
	sess.SetState(procstate.Finished, code)
	_ = ptmx.Close()
	unregisterWriter(sess.PID)
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Conventional shell encoding for "killed by signal N".
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// waitForEarlyExit implements the early-exit protocol shared by
// startProcess, readProcessOutput, and interactWithProcess: return as soon
// as the child exits, a fast-path prompt is detected on freshly arrived
// bytes, the slow-path idle-tail heuristic fires, or the deadline passes.
func waitForEarlyExit(sess *session.Session, cursor int64, deadline time.Time) (output []byte, newCursor int64, state procstate.State, timedOut bool) {
	var acc []byte
	cur := cursor

	for {
		now := time.Now()
		if !now.Before(deadline) {
			chunk, nc, st := sess.DrainSince(cur, now)
			acc = append(acc, chunk...)
			return acc, nc, st, true
		}

		next := now.Add(pollInterval)
		if next.After(deadline) {
			next = deadline
		}
		chunk, nc, st := sess.DrainSince(cur, next)
		cur = nc

		if len(chunk) > 0 {
			acc = append(acc, chunk...)
			if st == procstate.Finished {
				return acc, cur, st, false
			}
			if res := procstate.Analyze(acc, false, 0); res.IsWaitingForInput {
				return acc, cur, procstate.WaitingForInput, false
			}
			continue
		}

		if st == procstate.Finished {
			return acc, cur, st, false
		}

		idle := time.Since(sess.LastActivity())
		if idle >= 150*time.Millisecond {
			if res := procstate.Analyze(acc, false, idle); res.IsWaitingForInput {
				return acc, cur, procstate.WaitingForInput, false
			}
		}
	}
}
