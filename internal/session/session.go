// Package session is the process-wide registry of live Sessions, each
// holding a capped, append-only output buffer with cursor-based reads.
// drainSince-over-a-channel is the one blocking primitive the executor
// (C5) uses; everything else here is synchronous and mutex-guarded.
//
// Grounded on internal/egg/server.go's replayBuffer (cursor registration,
// backpressure-free notify-channel wakeups — adapted here to drop
// replayBuffer's backpressure-blocking-writer behavior, since unlike a PTY
// relay this store owns a bounded buffer that simply drops its oldest bytes
// instead of stalling the child) and process/spawn.go's Tracker (mutex-
// guarded map keyed by process id).
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/hostbridge/hostbridged/internal/procstate"
)

// ErrSessionNotFound is returned by Get when no Session is registered under
// the given key.
var ErrSessionNotFound = errors.New("session: not found")

// ErrSessionGone is returned when an operation targets a Session whose
// process has already exited (e.g. writing to stdin).
var ErrSessionGone = errors.New("session: process has exited")

// defaultBufferCap is the default per-session outputBuffer size, 1 MiB.
const defaultBufferCap = 1 << 20

// defaultGracePeriod is how long a Finished session remains queryable.
const defaultGracePeriod = 2 * time.Minute

// Spec describes a session at creation time.
type Spec struct {
	Command   string
	Shell     string
	CWD       string
	StartedAt time.Time
}

// Session is one spawned child process (search operations use their own,
// separate search.Session type). Every field
// is owned exclusively by the Store; no other package mutates it directly.
type Session struct {
	PID       int
	Command   string
	Shell     string
	CWD       string
	StartedAt time.Time

	mu            sync.Mutex
	buf           []byte
	cap           int
	truncated     bool
	readCursor    int64 // bytes trimmed from the front; buf[0] is at this offset
	committedRead int64 // last cursor handed back to the caller by a read
	state         procstate.State
	exitCode      int
	hasExitCode   bool
	isBlocked     bool
	lastActivity  time.Time
	notify        chan struct{} // closed+replaced on every state-relevant change
	finishedAt    time.Time
}

// newSession constructs a Session in the Running state.
func newSession(pid int, spec Spec) *Session {
	return &Session{
		PID:          pid,
		Command:      spec.Command,
		Shell:        spec.Shell,
		CWD:          spec.CWD,
		StartedAt:    spec.StartedAt,
		cap:          defaultBufferCap,
		state:        procstate.Running,
		lastActivity: spec.StartedAt,
		notify:       make(chan struct{}),
	}
}

// Snapshot is a point-in-time, lock-free copy of the fields callers need to
// format a reply.
type Snapshot struct {
	PID          int
	State        procstate.State
	ExitCode     int
	HasExitCode  bool
	IsBlocked    bool
	RuntimeMS    int64
	OutputBytes  int64
	Truncated    bool
	LastActivity time.Time
}

// Store is the C4 registry: every live (and recently-finished) Session,
// keyed by PID, guarded by a single lock. Iteration snapshots into a local
// slice before yielding to callers, so a caller never observes the registry
// mutate mid-range.
type Store struct {
	mu           sync.Mutex
	sessions     map[int]*Session
	blocked      map[int]bool // never written; isBlocked is kept on each Session (see SetBlocked)
	gracePeriod  time.Duration
}

// NewStore constructs an empty, ready-to-use registry.
func NewStore() *Store {
	return &Store{
		sessions: make(map[int]*Session),
		blocked:  make(map[int]bool),
		gracePeriod: defaultGracePeriod,
	}
}

// Create registers a new Session for a just-spawned child. The executor
// calls this immediately after the OS confirms the pid.
func (s *Store) Create(pid int, spec Spec) *Session {
	sess := newSession(pid, spec)
	s.mu.Lock()
	s.sessions[pid] = sess
	s.mu.Unlock()
	return sess
}

// Get looks up a Session by pid.
func (s *Store) Get(pid int) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[pid]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List snapshots every live Session. Pure with respect to Session state —
// it never mutates anything it reads.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Remove drops a Session from the registry immediately, bypassing the grace
// period. ReapFinished does its own deletion and does not call Remove.
func (s *Store) Remove(pid int) {
	s.mu.Lock()
	delete(s.sessions, pid)
	delete(s.blocked, pid)
	s.mu.Unlock()
}

// ReapFinished removes every Session that finished more than the grace
// period ago. Intended to run periodically from the daemon's main loop.
func (s *Store) ReapFinished(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, sess := range s.sessions {
		sess.mu.Lock()
		done := sess.state == procstate.Finished && !sess.finishedAt.IsZero() && now.Sub(sess.finishedAt) > s.gracePeriod
		sess.mu.Unlock()
		if done {
			delete(s.sessions, pid)
		}
	}
}

// snapshot builds a Snapshot under the Session's own lock.
func (sess *Session) snapshot() Snapshot {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	runtime := time.Since(sess.StartedAt).Milliseconds()
	return Snapshot{
		PID:          sess.PID,
		State:        sess.state,
		ExitCode:     sess.exitCode,
		HasExitCode:  sess.hasExitCode,
		IsBlocked:    sess.isBlocked,
		RuntimeMS:    runtime,
		OutputBytes:  int64(len(sess.buf)),
		Truncated:    sess.truncated,
		LastActivity: sess.lastActivity,
	}
}

// AppendOutput atomically appends bytes to the Session's outputBuffer and
// wakes any pending DrainSince waiters. Overflow drops the oldest bytes and
// sets Truncated.
func (sess *Session) AppendOutput(b []byte) {
	if len(b) == 0 {
		return
	}
	sess.mu.Lock()
	sess.buf = append(sess.buf, b...)
	if over := len(sess.buf) - sess.cap; over > 0 {
		sess.buf = sess.buf[over:]
		sess.readCursor += int64(over)
		sess.truncated = true
	}
	sess.lastActivity = time.Now()
	sess.wake()
	sess.mu.Unlock()
}

// wake closes the current notify channel and replaces it, releasing every
// goroutine parked in DrainSince. Must be called with mu held.
func (sess *Session) wake() {
	close(sess.notify)
	sess.notify = make(chan struct{})
}

// SetState transitions the Session's published state. Finished is terminal
// and may only be set once; exitCode must already be set before the
// transition is published, so readers never observe Finished without one.
func (sess *Session) SetState(st procstate.State, exitCode int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == procstate.Finished {
		return
	}
	if st == procstate.Finished {
		sess.exitCode = exitCode
		sess.hasExitCode = true
		sess.finishedAt = time.Now()
	}
	sess.state = st
	sess.wake()
}

// SetBlocked records that the initial spawn returned on timeout rather than
// natural completion or prompt detection.
func (sess *Session) SetBlocked(blocked bool) {
	sess.mu.Lock()
	sess.isBlocked = blocked
	sess.mu.Unlock()
}

// State returns the current published state.
func (sess *Session) State() procstate.State {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// ExitCode returns the exit code and whether one has been observed.
func (sess *Session) ExitCode() (int, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.exitCode, sess.hasExitCode
}

// ReadCursor returns the cursor most recently committed by CommitReadCursor,
// i.e. where the next read_process_output/interact_with_process call should
// resume from. A session that has never been read from starts at 0, so its
// first read sees everything accumulated since spawn.
func (sess *Session) ReadCursor() int64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.committedRead
}

// CommitReadCursor records newCursor (as returned by DrainSince or
// waitForEarlyExit) as the position the sole reader has consumed up to, so
// the next read starts where this one left off instead of re-deriving a
// cursor from the buffer's current end — which would silently skip any
// bytes appended between the read and the commit.
func (sess *Session) CommitReadCursor(newCursor int64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if newCursor > sess.committedRead {
		sess.committedRead = newCursor
	}
}

// DrainSince is the one blocking primitive used by C5/C7: it waits until
// either new bytes exist after cursor, the state changes, or the deadline
// passes, then returns a single consistent (bytes, newCursor, state) tuple.
func (sess *Session) DrainSince(cursor int64, deadline time.Time) (newBytes []byte, newCursor int64, state procstate.State) {
	for {
		sess.mu.Lock()
		rel := cursor - sess.readCursor
		if rel < 0 {
			rel = 0
		}
		if int(rel) < len(sess.buf) {
			out := make([]byte, len(sess.buf)-int(rel))
			copy(out, sess.buf[int(rel):])
			newCursor = sess.readCursor + int64(len(sess.buf))
			state = sess.state
			sess.mu.Unlock()
			return out, newCursor, state
		}
		if sess.state == procstate.Finished {
			state = sess.state
			newCursor = cursor
			sess.mu.Unlock()
			return nil, newCursor, state
		}
		wait := sess.notify
		sess.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, cursor, sess.State()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, cursor, sess.State()
		}
	}
}

// LastActivity returns the timestamp of the most recently appended byte,
// used by the executor's idle-tail slow-path heuristic.
func (sess *Session) LastActivity() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastActivity
}

// Truncated reports whether the output buffer has ever dropped bytes.
func (sess *Session) Truncated() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.truncated
}
