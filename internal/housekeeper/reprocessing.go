package housekeeper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_queue/internal/consumer"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/stats"
)

// ReprocessingService retries failed tasks from the single-partition reprocessing
// topic after a fixed delay per polled batch.
type ReprocessingService struct {
	service  *Service
	producer queue.Producer
	manager  *consumer.Manager
	stats    *stats.MessagesStats
}

func newReprocessingService(s *Service, c queue.Consumer, producer queue.Producer) *ReprocessingService {
	r := &ReprocessingService{
		service:  s,
		producer: producer,
		stats:    stats.NewMessagesStats("housekeeper.reprocessing"),
	}
	r.manager = consumer.NewManager(consumer.Config{
		Name:         "housekeeper.reprocessing",
		PollInterval: s.cfg.PollInterval,
		StopTimeout:  s.cfg.StopTimeout,
	}, c, r.handleBatch, s.logger)
	return r
}

func (r *ReprocessingService) Stats() *stats.MessagesStats { return r.stats }

func (r *ReprocessingService) Running() bool { return r.manager.Running() }

func (r *ReprocessingService) handleBatch(ctx context.Context, msgs []queue.Msg) error {
	if !sleep(ctx, r.service.cfg.TaskReprocessingDelay) {
		return queue.ErrInterrupted
	}
	return r.service.processMsgs(ctx, msgs, r.stats)
}

// submit republishes task with cause recorded, under a fresh key
func (r *ReprocessingService) submit(ctx context.Context, task Task, cause error) error {
	next := task.withFailure(cause)
	body, err := encodeTask(next)
	if err != nil {
		return err
	}
	return publish(ctx, r.producer, r.service.cfg.ReprocessingTopic, queue.NewMsg(uuid.New(), body))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
