package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/client"
	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/ui"
)

func init() {
	ui.ForceNoColor()
}

func TestFormatEnvelopeLine(t *testing.T) {
	tests := []struct {
		name string
		env  model.Envelope
		want string
	}{
		{
			name: "actor and payload",
			env: model.Envelope{
				Type: model.EventMessageCreated, ResourceID: "channel:1", Sequence: 7,
				ActorID: model.StringPtr("u1"), Payload: json.RawMessage(`{"content":"hi"}`),
			},
			want: `#7 message.created channel:1 by u1 {"content":"hi"}`,
		},
		{
			name: "system event without payload",
			env:  model.Envelope{Type: model.EventServerUpdated, ResourceID: "server:2", Sequence: 1},
			want: `#1 server.updated server:2 by system`,
		},
		{
			name: "long payload truncated",
			env: model.Envelope{
				Type: model.EventMessageCreated, ResourceID: "channel:1", Sequence: 2,
				Payload: json.RawMessage(`"` + strings.Repeat("x", 100) + `"`),
			},
			want: `#2 message.created channel:1 by system "` + strings.Repeat("x", 76) + "...",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatEnvelopeLine(tc.env, 80); got != tc.want {
				t.Errorf("formatEnvelopeLine() =\n  %q\nwant\n  %q", got, tc.want)
			}
		})
	}
}

func TestPrintSequencesTable_Sorted(t *testing.T) {
	var buf bytes.Buffer
	printSequencesTable(&buf, map[string]int64{"user:2": 0, "channel:1": 5})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "channel:1") || !strings.HasSuffix(lines[1], "5") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "user:2") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestPrintSessionListTable(t *testing.T) {
	s := client.Session{ID: "sess_1", State: "ready", Subscriptions: []string{"channel:1", "user:2"}, Resumes: 1}
	s.User.ID = "u1"

	var buf bytes.Buffer
	printSessionListTable(&buf, []client.Session{s})
	out := buf.String()
	for _, want := range []string{"sess_1", "u1", "ready", "1 sessions"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(time.Time{}); got != "-" {
		t.Errorf("formatTime(zero) = %q, want -", got)
	}
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.Local)
	if got := formatTime(ts); got != "2026-01-15 10:00:00" {
		t.Errorf("formatTime = %q", got)
	}
}

func TestEnvelopePrinter_SkipsSeen(t *testing.T) {
	p := &envelopePrinter{last: map[string]int64{"channel:1": 5}}
	env := func(seq int64) model.Envelope {
		return model.Envelope{ResourceID: "channel:1", Sequence: seq, Type: model.EventMessageCreated}
	}

	tests := []struct {
		seq  int64
		want bool
	}{
		{7, true},
		{6, true}, // out of order, not yet printed
		{7, false},
		{6, false},
		{8, true},
	}
	for _, tt := range tests {
		if got := p.record(env(tt.seq)); got != tt.want {
			t.Errorf("record(%d) = %v, want %v", tt.seq, got, tt.want)
		}
	}
	if p.last["channel:1"] != 8 {
		t.Errorf("last = %d, want 8", p.last["channel:1"])
	}
}

func TestEnvelopePrinter_ForgetsBelowWindow(t *testing.T) {
	p := &envelopePrinter{last: make(map[string]int64)}
	p.record(model.Envelope{ResourceID: "channel:1", Sequence: 1})
	p.record(model.Envelope{ResourceID: "channel:1", Sequence: 1 + seenWindow})
	if n := len(p.seen["channel:1"]); n != 1 {
		t.Errorf("seen holds %d sequences, want 1", n)
	}
	if p.record(model.Envelope{ResourceID: "channel:1", Sequence: 1}) {
		t.Error("sequence below the window was printed again")
	}
}

func TestColorizeHelpOutput_Plain(t *testing.T) {
	in := "Event bus:\n  publish     Publish an event\n"
	if got := colorizeHelpOutput(in); got != "Event bus:\n  publish     Publish an event\n" {
		t.Errorf("colorizeHelpOutput with color disabled changed text: %q", got)
	}
}
