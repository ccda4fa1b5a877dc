package housekeeper

import (
	"context"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/tracing"
)

// Client submits tasks to the housekeeper topic.
type Client struct {
	producer queue.Producer
	topic    string
	logger   *logging.Logger
}

func NewClient(producer queue.Producer, topic string, logger *logging.Logger) *Client {
	if topic == "" {
		topic = producer.DefaultTopic()
	}
	if logger == nil {
		logger = logging.New("housekeeper-client")
	}
	return &Client{producer: producer, topic: topic, logger: logger}
}

// newTaskMsg wraps a fresh submission: attempt and error history are reset and
// the caller's trace travels in both the payload and the envelope.
func newTaskMsg(ctx context.Context, task Task) (queue.Msg, error) {
	task.Attempt = 0
	task.Errors = nil
	task.TraceHeaders = tracing.PropagateTrace(ctx)
	body, err := encodeTask(task)
	if err != nil {
		return queue.Msg{}, err
	}
	msg := queue.NewMsg(uuid.New(), body)
	tracing.InjectHeaders(ctx, msg.Headers)
	return msg, nil
}

// Submit is fire-and-forget; publish failures are logged, not returned.
func (c *Client) Submit(ctx context.Context, task Task) error {
	msg, err := newTaskMsg(ctx, task)
	if err != nil {
		return err
	}
	c.producer.Send(ctx, c.topic, msg, func(err error) {
		if err != nil {
			c.logger.WithContext(ctx).WithTenant(task.TenantID).WithTaskType(string(task.Type)).WithError(err).
				Error("failed to submit housekeeper task")
		}
	})
	return nil
}

// SubmitAndWait publishes and waits for the broker acknowledgement
func (c *Client) SubmitAndWait(ctx context.Context, task Task) error {
	msg, err := newTaskMsg(ctx, task)
	if err != nil {
		return err
	}
	return publish(ctx, c.producer, c.topic, msg)
}
