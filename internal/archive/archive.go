// Package archive periodically snapshots the retained envelope log to
// external destinations. Snapshots are an informational backup: replay only
// ever reads the live log.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Destination is the interface for an archive target (S3, local file).
type Destination interface {
	// Name identifies the destination in logs.
	Name() string
	// Write stores the JSONL snapshot, zstd-compressed when the scheduler
	// has compression enabled.
	Write(ctx context.Context, data []byte) error
}

// Scheduler runs periodic snapshots to one or more destinations.
type Scheduler struct {
	source       Source
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger
	compress     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from src to the given
// destinations at the specified interval.
func NewScheduler(src Source, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:       src,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
	}
}

// EnableCompression makes every snapshot a zstd frame. Call before Start.
func (s *Scheduler) EnableCompression() {
	s.compress = true
}

// Start begins periodic snapshots. It runs one immediately, then on each
// tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current snapshot (if any) to
// finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce exports one snapshot and writes it to every destination. A failing
// destination does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	var buf bytes.Buffer
	stats, err := ExportJSONL(ctx, s.source, &buf)
	if err != nil {
		s.logger.Error("archive export failed", "err", err)
		return
	}
	data := buf.Bytes()
	raw := len(data)
	if s.compress {
		if data, err = Compress(data); err != nil {
			s.logger.Error("archive compression failed", "err", err)
			return
		}
	}

	failed := 0
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			failed++
			s.logger.Error("archive destination write failed", "destination", dest.Name(), "err", err)
		}
	}

	s.logger.Info("archive completed",
		"resources", stats.Resources,
		"envelopes", stats.Envelopes,
		"destinations", len(s.destinations),
		"failed", failed,
		"bytes", raw,
		"written_bytes", len(data),
		"duration", time.Since(start))
}
