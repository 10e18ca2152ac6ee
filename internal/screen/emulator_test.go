package screen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPlainText(t *testing.T) {
	out := Snapshot([]byte("hello\r\nworld   \r\n"), 20, 5)
	assert.Equal(t, "hello\nworld", out)
}

func TestRenderAppliesEscapes(t *testing.T) {
	e := New(20, 4)
	e.Write([]byte("\x1b[31mred\x1b[0m text\r\nsecond"))
	e.Write([]byte("\x1b[2J\x1b[Hfresh"))
	assert.Equal(t, "fresh", e.Render())

	row, col := e.Cursor()
	assert.Equal(t, 0, row)
	assert.Equal(t, 5, col)
}

func TestRenderEmptyScreen(t *testing.T) {
	assert.Equal(t, "", New(0, 0).Render())
}

func TestTitleAndResize(t *testing.T) {
	e := New(10, 2)
	e.Write([]byte("\x1b]0;my title\x07"))
	assert.Equal(t, "my title", e.Title())

	e.Resize(30, 3)
	e.Write([]byte("a fairly long line of text"))
	assert.Equal(t, "a fairly long line of text", e.Render())
}
