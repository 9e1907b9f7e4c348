package stream_test

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"codehook/pkg/stream"
)

func collect(t *testing.T, input string) []stream.Event {
	t.Helper()
	d := stream.NewDecoder(strings.NewReader(input))
	var out []stream.Event
	for ev := range d.All() {
		out = append(out, ev)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	return out
}

func TestDecoder_MixedStream(t *testing.T) {
	t.Parallel()
	events := collect(t, "{\"type\":\"x\"}\nNOT-JSON\n{\"type\":\"y\"}\n")

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	var s stream.Summary
	for _, ev := range events {
		s.Observe(ev)
	}
	if s.Events != 2 || s.Diagnostics != 1 {
		t.Fatalf("summary = %+v, want 2 events and 1 diagnostic", s)
	}
	if events[0].Type != "x" || events[2].Type != "y" {
		t.Errorf("types = %q, %q", events[0].Type, events[2].Type)
	}
	if events[1].Parsed || string(events[1].Raw) != "NOT-JSON" {
		t.Errorf("raw line = %+v", events[1])
	}
	if events[2].Line != 3 {
		t.Errorf("Line = %d, want 3", events[2].Line)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line    string
		parsed  bool
		typ     string
		subtype string
	}{
		{`{"type":"system","subtype":"init"}`, true, "system", "init"},
		{`{"type":"assistant"`, false, "", ""},
		{`[1,2,3]`, false, "", ""},
		{`"just a string"`, false, "", ""},
		{`warning: something odd`, false, "", ""},
		{`{}`, true, "", ""},
	}
	for _, tt := range tests {
		ev := stream.Parse([]byte(tt.line))
		if ev.Parsed != tt.parsed || ev.Type != tt.typ || ev.Subtype != tt.subtype {
			t.Errorf("Parse(%q) = %+v", tt.line, ev)
		}
		if string(ev.Raw) != tt.line {
			t.Errorf("Parse(%q) Raw = %q", tt.line, ev.Raw)
		}
	}
}

func TestDecoder_SkipsBlankLines(t *testing.T) {
	t.Parallel()
	events := collect(t, "\n{\"type\":\"a\"}\n   \n\n{\"type\":\"b\"}")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestDecoder_NotRestartable(t *testing.T) {
	t.Parallel()
	d := stream.NewDecoder(strings.NewReader("{\"type\":\"a\"}\n{\"type\":\"b\"}\n"))
	first := 0
	for range d.All() {
		first++
	}
	second := 0
	for range d.All() {
		second++
	}
	if first != 2 || second != 0 {
		t.Fatalf("first=%d second=%d", first, second)
	}
}

func TestDecoder_EarlyBreak(t *testing.T) {
	t.Parallel()
	d := stream.NewDecoder(strings.NewReader("{\"type\":\"a\"}\n{\"type\":\"b\"}\n"))
	for ev := range d.All() {
		if ev.Type != "a" {
			t.Fatalf("first event = %q", ev.Type)
		}
		break
	}
}

func TestDecoder_ReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	d := stream.NewDecoder(iotest.ErrReader(boom))
	for range d.All() {
		t.Fatal("no events expected")
	}
	if !errors.Is(d.Err(), boom) {
		t.Fatalf("Err = %v, want boom", d.Err())
	}
}

func TestEvent_Text(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want string
	}{
		{`{"type":"result","subtype":"success","result":"All done."}`, "All done."},
		{`{"type":"assistant","subtype":"text","text":"hello"}`, "hello"},
		{`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}}`, "a\nb"},
		{`{"type":"system","message":"starting"}`, "starting"},
		{`{"type":"tool","subtype":"result"}`, ""},
		{`plain diagnostic`, "plain diagnostic"},
	}
	for _, tt := range tests {
		if got := stream.Parse([]byte(tt.line)).Text(); got != tt.want {
			t.Errorf("Text(%s) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestSummary_LastText(t *testing.T) {
	t.Parallel()
	var s stream.Summary
	for ev := range stream.NewDecoder(strings.NewReader(
		`{"type":"assistant","text":"thinking"}` + "\n" +
			`{"type":"tool","subtype":"result"}` + "\n" +
			`{"type":"result","result":"Opened PR #4"}` + "\n",
	)).All() {
		s.Observe(ev)
	}
	if s.LastText != "Opened PR #4" {
		t.Fatalf("LastText = %q", s.LastText)
	}
}

func TestDecoder_OversizeLineIsOneDiagnostic(t *testing.T) {
	t.Parallel()
	huge := `{"type":"user","content":"` + strings.Repeat("a", 2*stream.MaxLineSize) + `"}`
	input := "{\"type\":\"x\"}\n" + huge + "\n{\"type\":\"result\",\"result\":\"done\"}\n"

	events := collect(t, input)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	big := events[1]
	if !big.Truncated || big.Parsed || len(big.Raw) != stream.MaxLineSize || big.Line != 2 {
		t.Errorf("oversize line: truncated=%v parsed=%v len=%d line=%d", big.Truncated, big.Parsed, len(big.Raw), big.Line)
	}

	var s stream.Summary
	for _, ev := range events {
		s.Observe(ev)
	}
	if s.Events != 2 || s.Diagnostics != 1 || s.LastText != "done" {
		t.Errorf("summary = %+v", s)
	}
}

func TestDecoder_LongLinesWithinLimit(t *testing.T) {
	t.Parallel()
	// Longer than the read buffer but under the line limit.
	long := `{"type":"assistant","text":"` + strings.Repeat("b", 200*1024) + `"}`
	events := collect(t, long+"\r\n"+"tail without newline")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Parsed || events[0].Truncated || len(events[0].Text()) != 200*1024 {
		t.Errorf("long line = parsed %v truncated %v", events[0].Parsed, events[0].Truncated)
	}
	if string(events[1].Raw) != "tail without newline" {
		t.Errorf("tail = %q", events[1].Raw)
	}
}
