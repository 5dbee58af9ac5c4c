// Package search is the Search Session Engine (C6): it shares C5's
// session/cursor/cancellation contract but produces incremental match
// records instead of raw bytes, in two modes — FileName (in-process walk)
// and Content (an external ripgrep-shaped subprocess).
//
// Grounded on internal/native/process.go's spawn+stream pattern (reused for
// the Content-mode child process) and its PATH-resolution fallback chain,
// applied here to locating the `rg` binary; session ids follow
// internal/relay/pty_relay.go's uuid.New().String()[:8] pattern.
package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a SearchSession id is unknown.
var ErrSessionNotFound = errors.New("search: session not found")

// Kind distinguishes the two search modes.
type Kind int

const (
	FileName Kind = iota
	Content
)

// State mirrors procstate's process states, specialised for a search:
// Running while results are still arriving, Finished once the walk/grep
// completes or is cancelled.
type State int

const (
	Running State = iota
	Finished
)

// defaultIdleGC is how long a completed SearchSession lingers before a
// background sweep removes it.
const defaultIdleGC = 5 * time.Minute

// initialWindow is how long startSearch blocks waiting for first results
// before returning with isComplete=false.
const initialWindow = 100 * time.Millisecond

// Record is one match: a filename hit, or a content hit with a line number
// and the matching text.
type Record struct {
	File  string
	Line  int    // 0 for FileName-mode records
	Match string // empty for FileName-mode records
	Kind  Kind
}

// Spec describes a requested search, after C1 has already validated
// RootPath.
type Spec struct {
	RootPath      string
	Pattern       string
	SearchType    Kind
	FilePattern   string
	IgnoreCase    bool
	MaxResults    int
	IncludeHidden bool
	ContextLines  int
	Timeout       time.Duration
}

// Session is the C6 analog of session.Session: an append-only, cursor-read
// record log instead of a byte buffer.
type Session struct {
	ID        string
	Kind      Kind
	StartedAt time.Time

	mu         sync.Mutex
	results    []Record
	readCursor int
	state      State
	isError    bool
	errorText  string
	lastReadAt time.Time
	notify     chan struct{}
	cancel     context.CancelFunc
}

func newSession(kind Kind) *Session {
	return &Session{
		ID:        uuid.New().String()[:8],
		Kind:      kind,
		StartedAt: time.Now(),
		notify:    make(chan struct{}),
	}
}

func (s *Session) append(rec Record) {
	s.mu.Lock()
	s.results = append(s.results, rec)
	s.wake()
	s.mu.Unlock()
}

func (s *Session) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Session) finish(isError bool, errText string) {
	s.mu.Lock()
	s.state = Finished
	s.isError = isError
	s.errorText = errText
	s.wake()
	s.mu.Unlock()
}

// State returns the Session's current published state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshotSince(cursor int) (recs []Record, newCursor int, total int, complete bool, isErr bool, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor < len(s.results) {
		recs = append([]Record(nil), s.results[cursor:]...)
	}
	return recs, len(s.results), len(s.results), s.state == Finished, s.isError, s.errorText
}

// Engine owns the registry of live SearchSessions.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rgPath   string // resolved once at startup; empty if rg is unavailable
}

// New builds an Engine, probing PATH once for a ripgrep-shaped binary. If
// none is found, Content-mode searches fall back to an in-process line
// scanner, mirroring native/process.go's PATH-resolution fallback chain.
func New() *Engine {
	e := &Engine{sessions: make(map[string]*Session)}
	if p, err := exec.LookPath("rg"); err == nil {
		e.rgPath = p
	}
	return e
}

// StartSearch launches the walk or grep subprocess, blocks up to ~100ms for
// initial results, then returns whatever has accumulated so far.
func (e *Engine) StartSearch(spec Spec) (*Session, []Record, bool, error) {
	sess := newSession(spec.SearchType)
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	switch spec.SearchType {
	case FileName:
		go e.runFileNameSearch(ctx, sess, spec)
	default:
		go e.runContentSearch(ctx, sess, spec)
	}

	deadline := time.Now().Add(initialWindow)
	for {
		sess.mu.Lock()
		n := len(sess.results)
		done := sess.state == Finished
		wait := sess.notify
		sess.mu.Unlock()
		if done || n > 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}

	recs, _, _, complete, isErr, errText := sess.snapshotSince(0)
	sess.mu.Lock()
	sess.readCursor = len(sess.results)
	sess.mu.Unlock()
	if isErr {
		return sess, recs, complete, errors.New(errText)
	}
	return sess, recs, complete, nil
}

// ReadSearchResults returns only records appended since the previous read.
func (e *Engine) ReadSearchResults(id string) (recs []Record, newCount, total int, complete bool, isErr bool, errText string, err error) {
	sess, ok := e.get(id)
	if !ok {
		return nil, 0, 0, false, false, "", ErrSessionNotFound
	}
	sess.mu.Lock()
	cursor := sess.readCursor
	sess.mu.Unlock()

	all, _, tot, comp, ie, et := sess.snapshotSince(cursor)
	sess.mu.Lock()
	sess.readCursor = len(sess.results)
	sess.lastReadAt = time.Now()
	sess.mu.Unlock()
	return all, len(all), tot, comp, ie, et, nil
}

// TerminateSearch kills the underlying walker/subprocess.
func (e *Engine) TerminateSearch(id string) error {
	sess, ok := e.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.finish(false, "")
	return nil
}

// SessionSnapshot is a lock-free, point-in-time copy of a SearchSession's
// listable fields.
type SessionSnapshot struct {
	ID        string
	Kind      Kind
	StartedAt time.Time
	State     State
}

// ListSearchSessions snapshots every live SearchSession.
func (e *Engine) ListSearchSessions() []SessionSnapshot {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, SessionSnapshot{ID: s.ID, Kind: s.Kind, StartedAt: s.StartedAt, State: s.state})
		s.mu.Unlock()
	}
	return out
}

// ReapIdle removes completed sessions that have been idle past gc.
func (e *Engine) ReapIdle(now time.Time, gc time.Duration) {
	if gc == 0 {
		gc = defaultIdleGC
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.sessions {
		s.mu.Lock()
		stale := s.state == Finished && now.Sub(s.lastReadAt) > gc && !s.lastReadAt.IsZero()
		s.mu.Unlock()
		if stale {
			delete(e.sessions, id)
		}
	}
}

func (e *Engine) get(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// runFileNameSearch walks rootPath emitting one record per entry whose name
// matches pattern as a glob, falling back to substring matching.
func (e *Engine) runFileNameSearch(ctx context.Context, sess *Session, spec Spec) {
	count := 0
	err := filepath.WalkDir(spec.RootPath, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			return nil // skip unreadable entries, don't abort the whole walk
		}
		if !spec.IncludeHidden && isHidden(d.Name()) && path != spec.RootPath {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesName(d.Name(), spec.Pattern, spec.IgnoreCase) {
			sess.append(Record{File: path, Kind: FileName})
			count++
			if spec.MaxResults > 0 && count >= spec.MaxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	sess.finish(err != nil && !errors.Is(err, filepath.SkipAll), errString(err))
}

func matchesName(name, pattern string, ignoreCase bool) bool {
	if pattern == "" {
		return true
	}
	n, p := name, pattern
	if ignoreCase {
		n, p = strings.ToLower(n), strings.ToLower(p)
	}
	if ok, err := filepath.Match(p, n); err == nil && ok {
		return true
	}
	return strings.Contains(n, p)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// rgMatch mirrors the subset of ripgrep's --json "match" message this
// engine cares about.
type rgMatch struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		LineNumber int `json:"line_number"`
		Lines      struct {
			Text string `json:"text"`
		} `json:"lines"`
	} `json:"data"`
}

// runContentSearch shells out to rg --json when available; otherwise falls
// back to an in-process line scanner so content search still works on a
// host without ripgrep installed.
func (e *Engine) runContentSearch(ctx context.Context, sess *Session, spec Spec) {
	if e.rgPath == "" {
		e.runContentSearchFallback(ctx, sess, spec)
		return
	}

	args := []string{"--json", "--line-number"}
	if spec.IgnoreCase {
		args = append(args, "--ignore-case")
	}
	if spec.FilePattern != "" {
		args = append(args, "--glob", spec.FilePattern)
	}
	if spec.IncludeHidden {
		args = append(args, "--hidden")
	}
	if spec.ContextLines > 0 {
		args = append(args, "--context", itoa(spec.ContextLines))
	}
	if spec.MaxResults > 0 {
		args = append(args, "--max-count", itoa(spec.MaxResults))
	}
	args = append(args, spec.Pattern, spec.RootPath)

	cmd := exec.CommandContext(ctx, e.rgPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sess.finish(true, err.Error())
		return
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		sess.finish(true, err.Error())
		return
	}

	count := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m rgMatch
		if err := json.Unmarshal(line, &m); err != nil {
			continue // partial/unknown line shape; skip rather than abort
		}
		if m.Type != "match" {
			continue
		}
		sess.append(Record{
			File:  m.Data.Path.Text,
			Line:  m.Data.LineNumber,
			Match: strings.TrimRight(m.Data.Lines.Text, "\n"),
			Kind:  Content,
		})
		count++
		if spec.MaxResults > 0 && count >= spec.MaxResults {
			break
		}
	}

	waitErr := cmd.Wait()
	// Exit code 1 means "no matches" and is not an error (ripgrep convention).
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			sess.finish(false, "")
			return
		}
		sess.finish(true, strings.TrimSpace(stderr.String()))
		return
	}
	sess.finish(false, "")
}

// runContentSearchFallback performs an in-process, line-by-line substring
// scan when no rg binary is available on PATH.
func (e *Engine) runContentSearchFallback(ctx context.Context, sess *Session, spec Spec) {
	pattern := spec.Pattern
	count := 0
	err := filepath.WalkDir(spec.RootPath, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil || d.IsDir() {
			return nil
		}
		if !spec.IncludeHidden && isHidden(d.Name()) {
			return nil
		}
		if spec.FilePattern != "" {
			if ok, _ := filepath.Match(spec.FilePattern, d.Name()); !ok {
				return nil
			}
		}
		f, ferr := os.Open(path)
		if ferr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			text := scanner.Text()
			haystack, needle := text, pattern
			if spec.IgnoreCase {
				haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
			}
			if strings.Contains(haystack, needle) {
				sess.append(Record{File: path, Line: lineNo, Match: text, Kind: Content})
				count++
				if spec.MaxResults > 0 && count >= spec.MaxResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	sess.finish(err != nil && !errors.Is(err, filepath.SkipAll), errString(err))
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
