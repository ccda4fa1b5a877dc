// Package stats keeps per-queue message counters and exports them periodically.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
)

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Accepted int64 `json:"accepted"`
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
}

// MessagesStats counts accepted, successful and failed messages of one logical queue.
// Counters are mirrored into Prometheus; the local copies reset on every export.
type MessagesStats struct {
	name     string
	accepted atomic.Int64
	success  atomic.Int64
	failure  atomic.Int64
}

func NewMessagesStats(name string) *MessagesStats {
	return &MessagesStats{name: name}
}

func (s *MessagesStats) Name() string { return s.name }

func (s *MessagesStats) IncrementAccepted() {
	s.accepted.Add(1)
	metrics.QueueMessagesTotal.WithLabelValues(s.name, "accepted").Inc()
}

func (s *MessagesStats) IncrementSuccess() {
	s.success.Add(1)
	metrics.QueueMessagesTotal.WithLabelValues(s.name, "success").Inc()
}

func (s *MessagesStats) IncrementFailure() {
	s.failure.Add(1)
	metrics.QueueMessagesTotal.WithLabelValues(s.name, "failure").Inc()
}

// Snapshot reads the counters without resetting them
func (s *MessagesStats) Snapshot() Snapshot {
	return Snapshot{
		Accepted: s.accepted.Load(),
		Success:  s.success.Load(),
		Failure:  s.failure.Load(),
	}
}

// Reset returns the counters and zeroes them
func (s *MessagesStats) Reset() Snapshot {
	return Snapshot{
		Accepted: s.accepted.Swap(0),
		Success:  s.success.Swap(0),
		Failure:  s.failure.Swap(0),
	}
}

// Printer logs and resets a set of MessagesStats on a fixed interval.
type Printer struct {
	logger   *logging.Logger
	interval time.Duration

	mu    sync.Mutex
	stats []*MessagesStats
}

func NewPrinter(logger *logging.Logger, interval time.Duration) *Printer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Printer{logger: logger, interval: interval}
}

// Register adds stats to the periodic export
func (p *Printer) Register(s ...*MessagesStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, s...)
}

// Run exports until ctx is cancelled
func (p *Printer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Print()
		}
	}
}

// Print logs every registered queue that saw traffic since the last export
func (p *Printer) Print() {
	p.mu.Lock()
	all := append([]*MessagesStats(nil), p.stats...)
	p.mu.Unlock()

	for _, s := range all {
		snap := s.Reset()
		if snap == (Snapshot{}) {
			continue
		}
		p.logger.Plain().WithQueue(s.Name()).WithFields(map[string]any{
			"accepted": snap.Accepted,
			"success":  snap.Success,
			"failure":  snap.Failure,
		}).Info("queue stats")
	}
}
