package protocol

import (
	"bytes"
	"encoding/json"
)

// Encode frames v as a single line of JSON terminated by "\n". This is the
// only framing rule on the control channel: no length prefix, and JSON
// serialization never emits a raw newline inside a document.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// json.Encoder terminates every value with '\n'
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decoder accumulates arbitrary byte chunks and yields one JSON document per
// complete line. Lines that are blank or do not parse are dropped: losing a
// single structured update is recoverable, a dead channel is not.
//
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and calls emit for every complete, valid frame, in
// order. Bytes after the last newline are retained for the next call.
func (d *Decoder) Feed(chunk []byte, emit func(json.RawMessage)) {
	d.buf = append(d.buf, chunk...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]

		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		frame := make(json.RawMessage, len(line))
		copy(frame, line)
		emit(frame)
	}

	// Compact so a long-lived connection doesn't pin an ever-growing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 64*1024 && len(d.buf) < cap(d.buf)/4 {
		d.buf = append([]byte(nil), d.buf...)
	}
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
