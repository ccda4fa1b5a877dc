package housekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
)

const FailureNotificationType = "task.processing_failure"

// FailureNotification is emitted once for a task that exhausted its attempts.
type FailureNotification struct {
	Type        string `json:"type"`    // "task.processing_failure"
	Version     string `json:"version"` // schema version
	At          string `json:"at"`      // RFC3339 time the notification was emitted
	TenantID    string `json:"tenant_id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	Error       string `json:"error"`   // last failure, truncated
	Attempt     int    `json:"attempt"` // attempt that failed last
	Task        Task   `json:"task"`    // full task snapshot
}

func NewFailureNotification(t Task, err error) FailureNotification {
	return FailureNotification{
		Type:        FailureNotificationType,
		Version:     "v1",
		At:          time.Now().UTC().Format(time.RFC3339Nano),
		TenantID:    t.TenantID,
		TaskType:    string(t.Type),
		Description: fmt.Sprintf("Failed to process %s", t.Description()),
		Error:       truncate(errorDetail(err)),
		Attempt:     t.Attempt,
		Task:        t,
	}
}

// Notifier delivers failure notifications to an external sink.
type Notifier interface {
	Notify(ctx context.Context, n FailureNotification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n FailureNotification) error {
	l.logger.WithContext(ctx).WithTenant(n.TenantID).WithTaskType(n.TaskType).WithFields(map[string]any{
		"attempt":     n.Attempt,
		"description": n.Description,
		"last_error":  n.Error,
	}).Error("task processing failure")
	return nil
}

// TopicNotifier publishes notifications as JSON to a topic and waits for the broker ack.
type TopicNotifier struct {
	producer queue.Producer
	topic    string
}

func NewTopicNotifier(producer queue.Producer, topic string) *TopicNotifier {
	return &TopicNotifier{producer: producer, topic: topic}
}

func (t *TopicNotifier) Notify(ctx context.Context, n FailureNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode failure notification: %w", err)
	}
	return publish(ctx, t.producer, t.topic, queue.NewMsg(uuid.New(), body))
}

// MultiNotifier fans a notification out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n FailureNotification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publish sends msg and waits for the acknowledgement or ctx
func publish(ctx context.Context, producer queue.Producer, topic string, msg queue.Msg) error {
	result := make(chan error, 1)
	producer.Send(ctx, topic, msg, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
