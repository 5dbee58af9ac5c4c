package procstate

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// VTerm feeds PTY output through a headless terminal emulator so the
// detector can read the *rendered* last line instead of raw bytes — this
// catches prompts that TUI-style programs redraw in place with cursor
// addressing rather than emit as a trailing newline-free line. Adapted from
// internal/egg/vterm.go's scrollback-tracking VTerm, trimmed down to the one
// thing C3 needs: the current bottom line of the screen. Nothing in the
// executor or in Analyze creates, feeds or reads a VTerm; detection works on
// the raw output bytes.
type VTerm struct {
	emu  *vt.Emulator
	mu   sync.Mutex
	rows int
}

// NewVTerm creates a headless emulator of the given dimensions.
func NewVTerm(cols, rows int) *VTerm {
	return &VTerm{emu: vt.NewEmulator(cols, rows), rows: rows}
}

// Write feeds PTY bytes into the emulator.
func (v *VTerm) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Write(p)
}

// Resize updates the emulator's grid dimensions to match a PTY resize.
func (v *VTerm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.rows = rows
}

// CurrentLine returns the trimmed content of the screen row the cursor sits
// on — the line a human would read as "the prompt right now" for a
// full-screen or redrawing program.
func (v *VTerm) CurrentLine() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	rendered := v.emu.Render()
	lines := strings.Split(rendered, "\r\n")
	pos := v.emu.CursorPosition()
	row := pos.Y
	if row < 0 {
		row = 0
	}
	if row >= len(lines) {
		row = len(lines) - 1
	}
	if row < 0 {
		return ""
	}
	return strings.TrimRight(lines[row], " ")
}

// Close releases the emulator's resources.
func (v *VTerm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}
