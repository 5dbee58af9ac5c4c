// Package dispatch is the Tool Dispatcher (C7): the single surface between
// the MCP transport and the core. Each method here corresponds to one tool
// name, validates its arguments, enforces Path Guard / Command Policy,
// invokes the Session Store / Process Executor / Search Engine, and shapes
// the reply.
//
// Grounded on internal/pipe/handlers.go's per-method param-struct dispatch
// and internal/tools/runner.go's Runner/MultiRunner registration shape.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hostbridge/hostbridged/internal/cmdpolicy"
	"github.com/hostbridge/hostbridged/internal/interfaces"
	"github.com/hostbridge/hostbridged/internal/logger"
	"github.com/hostbridge/hostbridged/internal/pathguard"
	"github.com/hostbridge/hostbridged/internal/procexec"
	"github.com/hostbridge/hostbridged/internal/search"
)

// defaultHandlerTimeout is the operation timeout used when the caller passes
// none, and the ceiling on any timeout the caller does pass. It is not
// applied as a separate bound around the whole tool call.
const defaultHandlerTimeout = 60 * time.Second

// Error is the transport-level error object shape: a code, a message, and
// a hint about whether retrying is useful.
type Error struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func validationError(msg string) *Error {
	return &Error{Code: "ValidationError", Message: msg, Recoverable: true}
}

func fromPathGuard(err error) *Error {
	if errors.Is(err, pathguard.ErrValidationTimeout) {
		return &Error{Code: "ValidationTimeout", Message: err.Error(), Recoverable: true}
	}
	return &Error{Code: "PathNotAllowed", Message: err.Error(), Recoverable: true}
}

// Dispatcher wires the four core components together behind the tool
// surface. It holds no session state of its own.
type Dispatcher struct {
	Paths    *pathguard.Guard
	Commands *cmdpolicy.Policy
	Exec     *procexec.Executor
	Search   *search.Engine
	Log      logger.Notifier
	FS       interfaces.FileSystem // nil in production; tests may inject a fake
}

// New builds a Dispatcher from its four core collaborators.
func New(paths *pathguard.Guard, commands *cmdpolicy.Policy, exec *procexec.Executor, searchEngine *search.Engine, notifier logger.Notifier) *Dispatcher {
	return &Dispatcher{Paths: paths, Commands: commands, Exec: exec, Search: searchEngine, Log: notifier}
}

func millis(ms int64) time.Duration {
	if ms <= 0 {
		return defaultHandlerTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > defaultHandlerTimeout {
		return defaultHandlerTimeout
	}
	return d
}

// StartProcessArgs is the argument shape for the start_process tool.
type StartProcessArgs struct {
	Command   string
	TimeoutMS int64
	Shell     string
}

// ProcessReply is the shared reply shape for start_process,
// read_process_output, and interact_with_process.
type ProcessReply struct {
	PID        int
	Output     string
	State      string
	IsBlocked  bool
	IsComplete bool
	ExitCode   *int
	Truncated  bool
}

// StartProcess validates the command against Command Policy, then spawns it.
func (d *Dispatcher) StartProcess(args StartProcessArgs) (*ProcessReply, *Error) {
	if args.Command == "" {
		return nil, validationError("command is required")
	}
	res := d.Commands.ValidateCommand(args.Command)
	if !res.Allowed {
		code := "CommandBlocked"
		if containsDestructive(res.Reason) {
			code = "DestructiveBlocked"
		}
		return nil, &Error{Code: code, Message: res.Reason, Recoverable: false}
	}

	out, err := d.Exec.StartProcess(args.Command, millis(args.TimeoutMS), args.Shell)
	if err != nil {
		return nil, &Error{Code: "SpawnFailure", Message: err.Error(), Recoverable: false}
	}
	d.Log.Emit("info", "start_process", "pid", out.PID, "state", out.State.String())
	return &ProcessReply{
		PID:       out.PID,
		Output:    string(out.Output),
		State:     out.State.String(),
		IsBlocked: out.IsBlocked,
	}, nil
}

func containsDestructive(reason string) bool {
	return len(reason) >= len("DestructiveBlocked") && reason[:len("DestructiveBlocked")] == "DestructiveBlocked"
}

// ReadProcessOutput reads whatever new bytes have accumulated for pid.
func (d *Dispatcher) ReadProcessOutput(pid int, timeoutMS int64) (*ProcessReply, *Error) {
	res, err := d.Exec.ReadProcessOutput(pid, millis(timeoutMS))
	if err != nil {
		return nil, sessionLookupError(err)
	}
	reply := &ProcessReply{
		Output:     string(res.Output),
		State:      res.State.String(),
		IsComplete: res.IsComplete,
	}
	if res.HasExit {
		code := res.ExitCode
		reply.ExitCode = &code
	}
	for _, s := range d.Exec.ListSessions() {
		if s.PID == pid {
			reply.Truncated = s.Truncated
			break
		}
	}
	return reply, nil
}

// InteractWithProcessArgs is the argument shape for interact_with_process.
type InteractWithProcessArgs struct {
	PID            int
	Input          string
	TimeoutMS      int64
	WaitForPrompt  bool
	WaitForPromptSet bool // distinguishes "unset" (defaults true) from explicit false
}

// InteractWithProcess writes input to pid's stdin and optionally waits for
// the next prompt or exit.
func (d *Dispatcher) InteractWithProcess(args InteractWithProcessArgs) (*ProcessReply, *Error) {
	wait := true
	if args.WaitForPromptSet {
		wait = args.WaitForPrompt
	}
	res, err := d.Exec.InteractWithProcess(args.PID, args.Input, millis(args.TimeoutMS), wait)
	if err != nil {
		if errors.Is(err, procexec.ErrSessionGone) {
			return nil, &Error{Code: "SessionGone", Message: err.Error(), Recoverable: false}
		}
		return nil, sessionLookupError(err)
	}
	reply := &ProcessReply{
		Output:     string(res.Output),
		State:      res.State.String(),
		IsComplete: res.IsComplete,
	}
	if res.HasExit {
		code := res.ExitCode
		reply.ExitCode = &code
	}
	return reply, nil
}

// ForceTerminate terminates pid's process group. Idempotent.
func (d *Dispatcher) ForceTerminate(pid int) *Error {
	if err := d.Exec.ForceTerminate(pid); err != nil {
		return sessionLookupError(err)
	}
	return nil
}

// SessionSummary is one entry in the list_sessions reply. Runtime and
// output size are carried both as raw numbers (RuntimeMS, OutputBytes, for
// callers that want to do their own math) and pre-formatted for a human
// reading the reply directly (Runtime, OutputSize).
type SessionSummary struct {
	PID         int
	State       string
	RuntimeMS   int64
	Runtime     string
	OutputBytes int64
	OutputSize  string
	IsBlocked   bool
	Truncated   bool
}

// ListSessions snapshots every live session.
func (d *Dispatcher) ListSessions() []SessionSummary {
	snaps := d.Exec.ListSessions()
	out := make([]SessionSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, SessionSummary{
			PID:         s.PID,
			State:       s.State.String(),
			RuntimeMS:   s.RuntimeMS,
			Runtime:     humanize.Comma(s.RuntimeMS) + "ms",
			OutputBytes: s.OutputBytes,
			OutputSize:  humanize.Bytes(uint64(s.OutputBytes)),
			IsBlocked:   s.IsBlocked,
			Truncated:   s.Truncated,
		})
	}
	return out
}

func sessionLookupError(err error) *Error {
	if errors.Is(err, procexec.ErrSessionGone) {
		return &Error{Code: "SessionGone", Message: err.Error(), Recoverable: false}
	}
	return &Error{Code: "SessionNotFound", Message: err.Error(), Recoverable: true}
}

// BlockCommand adds a program name to the DenySpec.
func (d *Dispatcher) BlockCommand(cmd string) *Error {
	if cmd == "" {
		return validationError("cmd is required")
	}
	d.Commands.Block(cmd)
	return nil
}

// UnblockCommand removes a program name from the DenySpec.
func (d *Dispatcher) UnblockCommand(cmd string) *Error {
	if cmd == "" {
		return validationError("cmd is required")
	}
	d.Commands.Unblock(cmd)
	return nil
}

// ListBlockedCommands returns the current DenySpec.
func (d *Dispatcher) ListBlockedCommands() []string {
	return d.Commands.Blocked()
}

// validatePathArg is the one call site every path-bearing filesystem tool
// routes through before touching disk (invariant: "no operation bypasses
// C1").
func (d *Dispatcher) validatePathArg(requested string) (string, *Error) {
	if requested == "" {
		return "", validationError("path is required")
	}
	abs, err := d.Paths.ValidatePath(requested)
	if err != nil {
		return "", fromPathGuard(err)
	}
	return abs, nil
}
