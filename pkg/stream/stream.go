// Package stream parses a worker's newline-delimited JSON event stream.
//
// Each line is decoded on its own. A line that is not a JSON object is
// kept verbatim as a raw diagnostic event; a bad line never ends the
// stream.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
)

// MaxLineSize bounds a single event line. Tool results that embed whole
// files can run long; anything past the limit is cut and the line is
// reported as a truncated diagnostic.
const MaxLineSize = 1024 * 1024

// Event is one line of worker output.
type Event struct {
	Line    int             // 1-based line number in the stream
	Raw     json.RawMessage // the line exactly as emitted
	Parsed  bool            // false for non-JSON diagnostic lines
	Type    string          // "type" field, when Parsed
	Subtype string          // "subtype" field, when Parsed

	// Truncated marks a line longer than MaxLineSize. Raw holds its first
	// MaxLineSize bytes and the event is never Parsed.
	Truncated bool
}

// envelope is the common shape of every worker event.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// Parse decodes a single line. It never fails: anything that is not a
// JSON object comes back with Parsed=false.
func Parse(line []byte) Event {
	ev := Event{Raw: json.RawMessage(bytes.Clone(line))}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return ev
	}
	ev.Parsed = true
	ev.Type = env.Type
	ev.Subtype = env.Subtype
	return ev
}

// Decoder yields events from r lazily. The sequence can be consumed once.
type Decoder struct {
	r    *bufio.Reader
	used bool
	err  error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// All returns the event sequence. Blank lines are skipped. Iterating a
// second time yields nothing.
func (d *Decoder) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if d.used {
			return
		}
		d.used = true

		n := 0
		for {
			line, truncated, err := d.readLine()
			if err != nil && len(line) == 0 && !truncated {
				d.finish(err)
				return
			}
			n++
			if truncated || len(bytes.TrimSpace(line)) > 0 {
				ev := Event{Raw: json.RawMessage(line), Truncated: true}
				if !truncated {
					ev = Parse(line)
				}
				ev.Line = n
				if !yield(ev) {
					return
				}
			}
			if err != nil {
				d.finish(err)
				return
			}
		}
	}
}

// readLine returns the next line without its line ending. Bytes past
// MaxLineSize are consumed up to the newline and dropped. err is io.EOF
// when the stream ends, possibly together with a final unterminated line.
func (d *Decoder) readLine() (line []byte, truncated bool, err error) {
	size := 0
	for {
		chunk, readErr := d.r.ReadSlice('\n')
		body := bytes.TrimSuffix(chunk, []byte("\n"))
		size += len(body)
		if room := MaxLineSize - len(line); room > 0 {
			line = append(line, body[:min(room, len(body))]...)
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSuffix(line, []byte("\r")), size > MaxLineSize, readErr
	}
}

func (d *Decoder) finish(err error) {
	if !errors.Is(err, io.EOF) {
		d.err = err
	}
}

// Err reports the read error that ended the sequence, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Text extracts the human-readable message an event carries: the final
// result text, an assistant text block, or a plain "text"/"message" field.
// Raw lines return their content unchanged.
func (e Event) Text() string {
	if !e.Parsed {
		return string(e.Raw)
	}

	var body struct {
		Result  string          `json:"result"`
		Text    string          `json:"text"`
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(e.Raw, &body) != nil {
		return ""
	}

	switch {
	case e.Type == "result" && body.Result != "":
		return body.Result
	case body.Text != "":
		return body.Text
	}

	if len(body.Message) == 0 {
		return ""
	}
	var msg string
	if json.Unmarshal(body.Message, &msg) == nil {
		return msg
	}
	var structured struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(body.Message, &structured) != nil {
		return ""
	}
	var parts []string
	for _, block := range structured.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Summary tallies a consumed stream.
type Summary struct {
	Events      int    // parsed JSON events
	Diagnostics int    // raw lines
	LastText    string // most recent non-empty Text() of a parsed event
}

// Observe folds ev into s.
func (s *Summary) Observe(ev Event) {
	if !ev.Parsed {
		s.Diagnostics++
		return
	}
	s.Events++
	if text := ev.Text(); text != "" {
		s.LastText = text
	}
}
