package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostbridge/hostbridged/internal/cmdpolicy"
	"github.com/hostbridge/hostbridged/internal/logger"
	"github.com/hostbridge/hostbridged/internal/pathguard"
	"github.com/hostbridge/hostbridged/internal/procexec"
	"github.com/hostbridge/hostbridged/internal/search"
	"github.com/hostbridge/hostbridged/internal/session"
)

// noopNotifier discards every Emit call; tests only care about return values.
type noopNotifier struct{}

func (noopNotifier) Emit(level, msg string, attrs ...any) {}

func newTestDispatcher(t *testing.T, allowed ...string) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	roots := allowed
	if len(roots) == 0 {
		roots = []string{dir}
	}
	guard, err := pathguard.New(roots)
	if err != nil {
		t.Fatalf("pathguard.New: %v", err)
	}
	d := New(guard, cmdpolicy.New(nil), procexec.New(session.NewStore(), noopNotifier{}), search.New(), noopNotifier{})
	return d, dir
}

func TestStartProcessRejectsEmptyCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.StartProcess(StartProcessArgs{Command: ""})
	if derr == nil || derr.Code != "ValidationError" {
		t.Fatalf("expected ValidationError, got %+v", derr)
	}
}

func TestStartProcessBlocksDenylistedCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.StartProcess(StartProcessArgs{Command: "sudo rm -rf /"})
	if derr == nil || derr.Code != "CommandBlocked" {
		t.Fatalf("expected CommandBlocked, got %+v", derr)
	}
}

func TestStartProcessBlocksDestructivePattern(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.StartProcess(StartProcessArgs{Command: "rm -rf /tmp/whatever"})
	if derr == nil || derr.Code != "DestructiveBlocked" {
		t.Fatalf("expected DestructiveBlocked, got %+v", derr)
	}
}

func TestStartProcessAllowsDestructiveWithToken(t *testing.T) {
	d, _ := newTestDispatcher(t)
	reply, derr := d.StartProcess(StartProcessArgs{
		Command:   "rm -rf /tmp/whatever --i-have-explicit-permission-from-user",
		TimeoutMS: 500,
	})
	if derr != nil {
		t.Fatalf("unexpected error: %+v", derr)
	}
	if reply.PID == 0 {
		t.Fatalf("expected a pid")
	}
	d.ForceTerminate(reply.PID)
}

func TestStartProcessAndReadOutput(t *testing.T) {
	d, _ := newTestDispatcher(t)
	reply, derr := d.StartProcess(StartProcessArgs{Command: "echo hello", TimeoutMS: 2000})
	if derr != nil {
		t.Fatalf("StartProcess: %+v", derr)
	}
	if reply.ExitCode == nil {
		out, derr2 := d.ReadProcessOutput(reply.PID, 1000)
		if derr2 != nil {
			t.Fatalf("ReadProcessOutput: %+v", derr2)
		}
		reply = out
	}
	if reply.ExitCode == nil || *reply.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", reply.ExitCode)
	}
}

func TestListSessionsIncludesHumanFormattedFields(t *testing.T) {
	d, _ := newTestDispatcher(t)
	reply, derr := d.StartProcess(StartProcessArgs{Command: "echo hello", TimeoutMS: 2000})
	if derr != nil {
		t.Fatalf("StartProcess: %+v", derr)
	}

	summaries := d.ListSessions()
	var found *SessionSummary
	for i := range summaries {
		if summaries[i].PID == reply.PID {
			found = &summaries[i]
		}
	}
	if found == nil {
		t.Fatalf("expected pid %d in ListSessions, got %+v", reply.PID, summaries)
	}
	if found.Runtime == "" {
		t.Fatal("expected a human-formatted Runtime string")
	}
	if found.OutputSize == "" {
		t.Fatal("expected a human-formatted OutputSize string")
	}
}

func TestReadProcessOutputUnknownPIDIsSessionNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.ReadProcessOutput(999999, 100)
	if derr == nil || derr.Code != "SessionNotFound" {
		t.Fatalf("expected SessionNotFound, got %+v", derr)
	}
}

func TestForceTerminateUnknownPIDIsSessionNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	derr := d.ForceTerminate(999999)
	if derr == nil || derr.Code != "SessionNotFound" {
		t.Fatalf("expected SessionNotFound, got %+v", derr)
	}
}

func TestBlockAndUnblockCommandRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if derr := d.BlockCommand("curl"); derr != nil {
		t.Fatalf("BlockCommand: %+v", derr)
	}
	found := false
	for _, c := range d.ListBlockedCommands() {
		if c == "curl" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected curl in blocked list, got %v", d.ListBlockedCommands())
	}
	if derr := d.UnblockCommand("curl"); derr != nil {
		t.Fatalf("UnblockCommand: %+v", derr)
	}
	for _, c := range d.ListBlockedCommands() {
		if c == "curl" {
			t.Fatalf("expected curl to be unblocked")
		}
	}
}

func TestReadWriteFileRoundTrip(t *testing.T) {
	d, dir := newTestDispatcher(t)
	target := filepath.Join(dir, "note.txt")
	if derr := d.WriteFile(target, []byte("hello world")); derr != nil {
		t.Fatalf("WriteFile: %+v", derr)
	}
	data, derr := d.ReadFile(target)
	if derr != nil {
		t.Fatalf("ReadFile: %+v", derr)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
}

func TestFilesystemToolsRejectPathOutsideAllowed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.ReadFile("/etc/passwd")
	if derr == nil || derr.Code != "PathNotAllowed" {
		t.Fatalf("expected PathNotAllowed, got %+v", derr)
	}
}

func TestListDirectoryAndStat(t *testing.T) {
	d, dir := newTestDispatcher(t)
	target := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	entries, derr := d.ListDirectory(dir)
	if derr != nil {
		t.Fatalf("ListDirectory: %+v", derr)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("got %+v", entries)
	}
	st, derr := d.Stat(target)
	if derr != nil {
		t.Fatalf("Stat: %+v", derr)
	}
	if st.Size != 1 || st.IsDir {
		t.Fatalf("got %+v", st)
	}
}

func TestMoveFileValidatesBothEndpoints(t *testing.T) {
	d, dir := newTestDispatcher(t)
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	if derr := d.MoveFile(src, "/etc/hostbridge-moved.txt"); derr == nil || derr.Code != "PathNotAllowed" {
		t.Fatalf("expected PathNotAllowed, got %+v", derr)
	}
}

func TestStartSearchFindsFilesByName(t *testing.T) {
	d, dir := newTestDispatcher(t)
	if err := os.WriteFile(filepath.Join(dir, "needle.go"), []byte("package x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	reply, derr := d.StartSearch(StartSearchArgs{RootPath: dir, Pattern: "needle", SearchType: "files", TimeoutMS: 2000})
	if derr != nil {
		t.Fatalf("StartSearch: %+v", derr)
	}
	if reply.SessionID == "" {
		t.Fatalf("expected a session id")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !reply.IsComplete && time.Now().Before(deadline) {
		next, derr2 := d.ReadSearchResults(reply.SessionID)
		if derr2 != nil {
			t.Fatalf("ReadSearchResults: %+v", derr2)
		}
		reply.IsComplete = next.IsComplete
		reply.Results = append(reply.Results, next.Results...)
		if !next.IsComplete {
			time.Sleep(10 * time.Millisecond)
		}
	}
	found := false
	for _, r := range reply.Results {
		if filepath.Base(r.File) == "needle.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected to find needle.go, got %+v", reply.Results)
	}
}

func TestStartSearchRejectsPathOutsideAllowed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, derr := d.StartSearch(StartSearchArgs{RootPath: "/etc", Pattern: "passwd", SearchType: "files"})
	if derr == nil || derr.Code != "PathNotAllowed" {
		t.Fatalf("expected PathNotAllowed, got %+v", derr)
	}
}

func TestStopSearchUnknownSessionErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if derr := d.StopSearch("does-not-exist"); derr == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestListSearchesReflectsStarted(t *testing.T) {
	d, dir := newTestDispatcher(t)
	reply, derr := d.StartSearch(StartSearchArgs{RootPath: dir, Pattern: "x", SearchType: "files", TimeoutMS: 1000})
	if derr != nil {
		t.Fatalf("StartSearch: %+v", derr)
	}
	summaries := d.ListSearches()
	found := false
	for _, s := range summaries {
		if s.ID == reply.SessionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session %s in %+v", reply.SessionID, summaries)
	}
}

var _ logger.Notifier = noopNotifier{}
