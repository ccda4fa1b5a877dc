package nsqq

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
)

// Monitor polls nsqd statistics and exports channel depth for the given topics.
type Monitor struct {
	admin    *Admin
	topics   map[string]bool
	interval time.Duration
	logger   *logging.Logger
}

func NewMonitor(admin *Admin, interval time.Duration, logger *logging.Logger, topics ...string) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &Monitor{admin: admin, topics: set, interval: interval, logger: logger}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.Update(ctx); err != nil && ctx.Err() == nil {
			m.logger.Plain().WithError(err).Warn("nsq stats update failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Update performs one collection pass
func (m *Monitor) Update(ctx context.Context) error {
	stats, err := m.admin.Stats(ctx, "")
	if err != nil {
		return err
	}
	for _, topic := range stats.Topics {
		if len(m.topics) > 0 && !m.topics[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
		}
	}
	return nil
}
