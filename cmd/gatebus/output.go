package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/client"
	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func actorOf(env model.Envelope) string {
	if env.ActorID == nil {
		return "system"
	}
	return *env.ActorID
}

func printEnvelopeTable(env *model.Envelope) {
	fmt.Printf("ID:          %s\n", env.ID)
	fmt.Printf("Type:        %s\n", env.Type)
	fmt.Printf("Resource:    %s\n", env.ResourceID)
	fmt.Printf("Sequence:    %d\n", env.Sequence)
	fmt.Printf("Actor:       %s\n", actorOf(*env))
	fmt.Printf("Timestamp:   %s\n", formatTime(env.Timestamp))
	if env.TraceID != "" {
		fmt.Printf("Trace:       %s\n", env.TraceID)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		fmt.Printf("Payload:     %s\n", env.Payload)
	}
}

func printEnvelopeListTable(w io.Writer, envs []model.Envelope) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tACTOR\tTIMESTAMP\tID")
	for _, env := range envs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			env.Sequence,
			env.Type,
			actorOf(env),
			formatTime(env.Timestamp),
			env.ID,
		)
	}
	tw.Flush()
}

// payloadWidth is the payload budget for one streamed line on the current
// terminal. The prefix (sequence, type, resource, actor) takes roughly 40
// columns.
func payloadWidth() int {
	return max(ui.TerminalWidth(120)-40, 20)
}

// formatEnvelopeLine renders one envelope for streaming output, cutting the
// payload to width bytes.
func formatEnvelopeLine(env model.Envelope, width int) string {
	payload := string(env.Payload)
	if payload == "" || payload == "null" {
		payload = ""
	} else if len(payload) > width {
		payload = payload[:width-3] + "..."
	}
	line := fmt.Sprintf("%s %s %s %s",
		ui.RenderMuted(fmt.Sprintf("#%d", env.Sequence)),
		ui.RenderAccent(string(env.Type)),
		env.ResourceID,
		ui.RenderMuted("by "+actorOf(env)),
	)
	if payload != "" {
		line += " " + payload
	}
	return line
}

func printSequencesTable(w io.Writer, seqs map[string]int64) {
	ids := make([]string, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSEQUENCE")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%d\n", id, seqs[id])
	}
	tw.Flush()
}

func printSessionTable(s *client.Session) {
	fmt.Printf("ID:             %s\n", s.ID)
	fmt.Printf("User:           %s (%s)\n", s.User.Username, s.User.ID)
	fmt.Printf("State:          %s\n", ui.RenderState(s.State))
	fmt.Printf("Created At:     %s\n", formatTime(s.CreatedAt))
	fmt.Printf("Last Heartbeat: %s\n", formatTime(s.LastHeartbeat))
	if !s.DisconnectedAt.IsZero() {
		fmt.Printf("Disconnected:   %s\n", formatTime(s.DisconnectedAt))
	}
	fmt.Printf("Resumes:        %d\n", s.Resumes)
	if len(s.Subscriptions) > 0 {
		fmt.Printf("Subscriptions:  %s\n", strings.Join(s.Subscriptions, ", "))
	}
}

func printSessionListTable(w io.Writer, sessions []client.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATE\tSUBS\tRESUMES\tLAST HEARTBEAT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID,
			s.User.ID,
			s.State,
			len(s.Subscriptions),
			s.Resumes,
			formatTime(s.LastHeartbeat),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d sessions\n", len(sessions))
}
