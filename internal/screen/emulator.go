package screen

import (
	"strings"

	"github.com/hinshun/vt10x"
)

// Emulator replays terminal output through vt10x so the visible screen can
// be rendered as plain text.
type Emulator struct {
	terminal vt10x.Terminal
	cols     int
	rows     int
}

func New(cols, rows int) *Emulator {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Emulator{
		terminal: vt10x.New(vt10x.WithSize(cols, rows)),
		cols:     cols,
		rows:     rows,
	}
}

// Write feeds raw pty output, escape sequences included.
func (e *Emulator) Write(data []byte) {
	_, _ = e.terminal.Write(data)
}

func (e *Emulator) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	e.cols = cols
	e.rows = rows
	e.terminal.Resize(cols, rows)
}

// Title is the window title last set by the program, if any.
func (e *Emulator) Title() string {
	e.terminal.Lock()
	defer e.terminal.Unlock()
	return e.terminal.Title()
}

// Cursor returns the cursor position (zero based).
func (e *Emulator) Cursor() (row, col int) {
	e.terminal.Lock()
	defer e.terminal.Unlock()
	cursor := e.terminal.Cursor()
	return cursor.Y, cursor.X
}

// Render returns the visible screen without any styling. Trailing blanks on
// each line and trailing empty lines are trimmed.
func (e *Emulator) Render() string {
	e.terminal.Lock()
	defer e.terminal.Unlock()

	lines := make([]string, e.rows)
	var line strings.Builder
	for row := 0; row < e.rows; row++ {
		line.Reset()
		for col := 0; col < e.cols; col++ {
			ch := e.terminal.Cell(col, row).Char
			if ch == 0 {
				ch = ' '
			}
			line.WriteRune(ch)
		}
		lines[row] = strings.TrimRight(line.String(), " ")
	}

	last := len(lines) - 1
	for last >= 0 && lines[last] == "" {
		last--
	}
	return strings.Join(lines[:last+1], "\n")
}

// Snapshot renders data on a fresh emulator of the given size.
func Snapshot(data []byte, cols, rows int) string {
	e := New(cols, rows)
	e.Write(data)
	return e.Render()
}
