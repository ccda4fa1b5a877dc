package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_queue/internal/queue"
)

const defaultMaxPollRecords = 500

// Producer publishes into a Storage. The callback runs before Send returns.
type Producer struct {
	storage      *Storage
	defaultTopic string
}

func NewProducer(storage *Storage, defaultTopic string) *Producer {
	return &Producer{storage: storage, defaultTopic: defaultTopic}
}

func (p *Producer) DefaultTopic() string { return p.defaultTopic }

func (p *Producer) Send(_ context.Context, topic string, msg queue.Msg, cb queue.Callback) {
	if topic == "" {
		topic = p.defaultTopic
	}
	msg.Headers = msg.Headers.Clone()
	err := p.storage.Put(topic, msg)
	if err != nil {
		err = &queue.PublishError{Topic: topic, Err: err}
	}
	if cb != nil {
		cb(err)
	}
}

func (p *Producer) Stop() {}

// Consumer reads one topic as a member of a consumer group.
type Consumer struct {
	storage        *Storage
	topic          string
	group          string
	maxPollRecords int

	mu         sync.Mutex
	subscribed bool
	positions  []int64
}

// NewConsumer creates a consumer of topic in group. maxPollRecords <= 0 uses the default.
func NewConsumer(storage *Storage, topic, group string, maxPollRecords int) *Consumer {
	if maxPollRecords <= 0 {
		maxPollRecords = defaultMaxPollRecords
	}
	return &Consumer{
		storage:        storage,
		topic:          topic,
		group:          group,
		maxPollRecords: maxPollRecords,
	}
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = c.storage.join(c.topic, c.group)
	c.subscribed = true
	return nil
}

// Poll returns the next batch, waiting up to timeout for messages to arrive
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Msg, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if !c.subscribed {
			c.mu.Unlock()
			return nil, fmt.Errorf("memory: consumer of %s is not subscribed", c.topic)
		}
		msgs, signal, err := c.storage.fetch(c.topic, c.positions, c.maxPollRecords)
		c.mu.Unlock()
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := waitFor(ctx, signal, remaining); err != nil {
			return nil, err
		}
	}
}

func (c *Consumer) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return fmt.Errorf("memory: consumer of %s is not subscribed", c.topic)
	}
	positions := make([]int64, len(c.positions))
	copy(positions, c.positions)
	c.storage.commit(c.topic, c.group, positions)
	return nil
}

func (c *Consumer) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.positions = nil
	return nil
}

// Admin manages topics of a Storage.
type Admin struct {
	storage *Storage
}

func NewAdmin(storage *Storage) *Admin {
	return &Admin{storage: storage}
}

func (a *Admin) CreateTopicIfNotExists(_ context.Context, topic string, props queue.TopicProperties) error {
	a.storage.CreateTopic(topic, props.Partitions(a.storage.defaultPartitions))
	return nil
}

func (a *Admin) DeleteTopic(_ context.Context, topic string) error {
	a.storage.DeleteTopic(topic)
	return nil
}
