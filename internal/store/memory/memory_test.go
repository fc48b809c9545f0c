package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/store"
)

func testEnvelope(resourceID string, seq int64) model.Envelope {
	return model.Envelope{
		ID:         fmt.Sprintf("evt_%s_%d", resourceID, seq),
		Type:       model.EventMessageCreated,
		Timestamp:  time.Now().UTC(),
		ResourceID: resourceID,
		Sequence:   seq,
	}
}

func TestNextSequence_StartsAtOneAndIncrements(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	for want := int64(1); want <= 5; want++ {
		got, err := s.NextSequence(ctx, "channel:a")
		if err != nil {
			t.Fatalf("NextSequence: %v", err)
		}
		if got != want {
			t.Fatalf("NextSequence = %d, want %d", got, want)
		}
	}
}

func TestNextSequence_ConcurrentCallersGetUniqueValues(t *testing.T) {
	s := New(10)
	ctx := context.Background()

	const workers, perWorker = 8, 250
	results := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				n, err := s.NextSequence(ctx, "channel:hot")
				if err != nil {
					t.Errorf("NextSequence: %v", err)
					return
				}
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		if seen[n] {
			t.Fatalf("sequence %d issued twice", n)
		}
		seen[n] = true
	}
	for n := int64(1); n <= workers*perWorker; n++ {
		if !seen[n] {
			t.Fatalf("sequence %d never issued", n)
		}
	}
}

func TestGetSequences_IncludesUnknownAsZero(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	s.NextSequence(ctx, "channel:a")
	s.NextSequence(ctx, "channel:a")
	s.NextSequence(ctx, "channel:b")

	got, err := s.GetSequences(ctx, []string{"channel:a", "channel:b", "channel:none"})
	if err != nil {
		t.Fatalf("GetSequences: %v", err)
	}
	want := map[string]int64{"channel:a": 2, "channel:b": 1, "channel:none": 0}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("GetSequences[%s] = %d, want %d", k, got[k], v)
		}
	}
	if _, ok := got["channel:none"]; !ok {
		t.Error("expected unknown resource to be present with 0")
	}
}

func TestRange_AscendingAfterSequence(t *testing.T) {
	s := New(100)
	ctx := context.Background()
	for seq := int64(1); seq <= 10; seq++ {
		if err := s.Append(ctx, testEnvelope("channel:a", seq)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Range(ctx, "channel:a", 4, 3)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	for i, want := range []int64{5, 6, 7} {
		if got[i].Sequence != want {
			t.Errorf("got[%d].Sequence = %d, want %d", i, got[i].Sequence, want)
		}
	}
}

func TestAppend_OutOfOrderKeepsSequenceOrder(t *testing.T) {
	s := New(100)
	ctx := context.Background()
	for _, seq := range []int64{1, 3, 2, 5, 4} {
		if err := s.Append(ctx, testEnvelope("channel:a", seq)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, _ := s.Range(ctx, "channel:a", 0, 10)
	for i, env := range got {
		if env.Sequence != int64(i+1) {
			t.Fatalf("position %d has sequence %d", i, env.Sequence)
		}
	}
}

func TestAppend_TrimsOldestBeyondCap(t *testing.T) {
	s := New(5)
	ctx := context.Background()
	for seq := int64(1); seq <= 8; seq++ {
		s.Append(ctx, testEnvelope("channel:a", seq))
	}

	got, err := s.Range(ctx, "channel:a", 0, 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 retained envelopes, got %d", len(got))
	}
	if got[0].Sequence != 4 || got[4].Sequence != 8 {
		t.Errorf("retained window = [%d..%d], want [4..8]", got[0].Sequence, got[4].Sequence)
	}
}

func TestRange_UnknownResourceAndZeroLimit(t *testing.T) {
	s := New(5)
	ctx := context.Background()
	got, err := s.Range(ctx, "channel:missing", 0, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("Range(missing) = %v, %v", got, err)
	}
	s.Append(ctx, testEnvelope("channel:a", 1))
	got, err = s.Range(ctx, "channel:a", 0, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("Range(limit=0) = %v, %v", got, err)
	}
}

func TestListResources_Sorted(t *testing.T) {
	s := New(5)
	ctx := context.Background()
	s.Append(ctx, testEnvelope("user:z", 1))
	s.Append(ctx, testEnvelope("channel:a", 1))

	got, err := s.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(got) != 2 || got[0] != "channel:a" || got[1] != "user:z" {
		t.Errorf("ListResources = %v", got)
	}
}

func TestClose_MakesStoreUnavailable(t *testing.T) {
	s := New(5)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping before close: %v", err)
	}
	s.Close()

	if _, err := s.NextSequence(ctx, "channel:a"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("NextSequence after close = %v, want ErrUnavailable", err)
	}
	if err := s.Append(ctx, testEnvelope("channel:a", 1)); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Append after close = %v, want ErrUnavailable", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Ping after close = %v, want ErrUnavailable", err)
	}
}
