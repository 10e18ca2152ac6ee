package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func collect(d *Decoder, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		d.Feed([]byte(c), func(frame json.RawMessage) {
			out = append(out, string(frame))
		})
	}
	return out
}

func TestEncodeAppendsSingleNewline(t *testing.T) {
	b, err := Encode(RunnerSubmit("hello\nworld <b>"))
	require.NoError(t, err)

	s := string(b)
	assert.True(t, strings.HasSuffix(s, "\n"))
	assert.Equal(t, 1, strings.Count(s, "\n"), "embedded newline must be escaped")
	assert.Contains(t, s, `"type":"runner.submit"`)
	assert.Contains(t, s, "<b>")
}

func TestDecoderConcatenatedFrames(t *testing.T) {
	frames := collect(NewDecoder(), "{\"a\":1}\n{\"b\":2}\n")
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, frames)
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	d := NewDecoder()
	frames := collect(d, `{"type":"runner.`, `ready","pid":4`, "2}\n{\"x\"", ":true}")
	assert.Equal(t, []string{`{"type":"runner.ready","pid":42}`}, frames)
	assert.Equal(t, len(`{"x":true}`), d.Pending())

	frames = collect(d, "\n")
	assert.Equal(t, []string{`{"x":true}`}, frames)
	assert.Zero(t, d.Pending())
}

func TestDecoderDropsNoise(t *testing.T) {
	frames := collect(NewDecoder(),
		"\n",
		"   \r\n",
		"not json\n",
		"{\"broken\":\n",
		"  {\"ok\":1}  \r\n",
	)
	assert.Equal(t, []string{`{"ok":1}`}, frames)
}

func TestParseRejectsUntyped(t *testing.T) {
	_, err := Parse([]byte(`{"data":"x"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`[1,2]`))
	assert.Error(t, err)

	msg, err := Parse([]byte(`{"type":"terminal.resize","cols":120,"rows":40}`))
	require.NoError(t, err)
	assert.Equal(t, TypeTerminalResize, msg.Type)
	assert.Equal(t, uint16(120), msg.Cols)
	assert.Equal(t, uint16(40), msg.Rows)
}

func TestToolUIStateKind(t *testing.T) {
	s := ToolUIState{ToolCallID: "t1", State: json.RawMessage(`{"kind":"diff","payload":{"a":1}}`)}
	assert.Equal(t, "diff", s.Kind())

	s.State = json.RawMessage(`"opaque"`)
	assert.Equal(t, "", s.Kind())
}

// Any chunking of an encoded stream yields the original frames, in order.
func TestDecoderChunkingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		texts := rapid.SliceOfN(rapid.String(), 0, 8).Draw(t, "texts")

		var stream []byte
		var want []string
		for _, text := range texts {
			b, err := Encode(RunnerSubmit(text))
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			stream = append(stream, b...)
			want = append(want, text)
		}

		d := NewDecoder()
		var got []string
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			d.Feed(stream[:n], func(frame json.RawMessage) {
				msg, err := Parse(frame)
				if err != nil {
					t.Fatalf("parse: %v", err)
				}
				got = append(got, msg.Text)
			})
			stream = stream[n:]
		}

		if len(got) != len(want) {
			t.Fatalf("got %d frames, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("frame %d: got %q want %q", i, got[i], want[i])
			}
		}
		if d.Pending() != 0 {
			t.Fatalf("leftover bytes: %d", d.Pending())
		}
	})
}
