package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/store/memory"
)

func appendN(t *testing.T, st *memory.MemoryStore, resourceID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if err := st.Append(context.Background(), model.Envelope{
			ID:         fmt.Sprintf("evt_%s_%d", resourceID, i),
			Type:       model.EventMessageCreated,
			Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
			ResourceID: resourceID,
			Sequence:   int64(i),
			Payload:    json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestExportJSONL_Empty(t *testing.T) {
	var buf bytes.Buffer
	stats, err := ExportJSONL(context.Background(), memory.New(10), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats != (ExportStats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.Resources != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestExportJSONL_SortedResourcesAscendingSequence(t *testing.T) {
	st := memory.New(100)
	appendN(t, st, "dm:a:b", 2)
	appendN(t, st, "channel:9", 3)

	var buf bytes.Buffer
	stats, err := ExportJSONL(context.Background(), st, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Resources != 2 || stats.Envelopes != 5 {
		t.Errorf("stats = %+v", stats)
	}

	lines := nonEmptyLines(buf.String())
	// 1 header + 5 envelopes
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}

	want := []struct {
		resource string
		seq      int64
	}{
		{"channel:9", 1}, {"channel:9", 2}, {"channel:9", 3},
		{"dm:a:b", 1}, {"dm:a:b", 2},
	}
	for i, w := range want {
		var rec record
		if err := json.Unmarshal([]byte(lines[i+1]), &rec); err != nil {
			t.Fatalf("unmarshal line %d: %v", i+1, err)
		}
		if rec.Type != "envelope" {
			t.Fatalf("line %d type = %q", i+1, rec.Type)
		}
		if rec.Data.ResourceID != w.resource || rec.Data.Sequence != w.seq {
			t.Errorf("line %d = %s/%d, want %s/%d", i+1, rec.Data.ResourceID, rec.Data.Sequence, w.resource, w.seq)
		}
	}
}

func TestExportJSONL_Paginates(t *testing.T) {
	st := memory.New(exportPageSize * 3)
	appendN(t, st, "channel:big", exportPageSize+5)

	var buf bytes.Buffer
	stats, err := ExportJSONL(context.Background(), st, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Envelopes != exportPageSize+5 {
		t.Fatalf("exported %d envelopes, want %d", stats.Envelopes, exportPageSize+5)
	}
}

type failingSource struct{}

func (failingSource) ListResources(context.Context) ([]string, error) {
	return nil, errors.New("down")
}

func (failingSource) Range(context.Context, string, int64, int) ([]model.Envelope, error) {
	return nil, nil
}

func TestExportJSONL_SourceError(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ExportJSONL(context.Background(), failingSource{}, &buf); err == nil {
		t.Fatal("expected error")
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %q", buf.String())
	}
}

func nonEmptyLines(s string) []string {
	var result []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result
}
