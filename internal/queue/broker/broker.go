// Package broker builds producers, consumers and topic admin for the configured queue type.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/austindbirch/harbor_queue/internal/config"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/queue/memory"
	"github.com/austindbirch/harbor_queue/internal/queue/nsqq"
)

const (
	TypeNSQ    = "nsq"
	TypeMemory = "memory"
)

// Broker hands out queue clients with prefixed topic names. Producers it creates
// are stopped by Close.
type Broker struct {
	cfg    config.Config
	logger *logging.Logger
	topics queue.TopicService

	storage  *memory.Storage
	nsqAdmin *nsqq.Admin
	admin    queue.Admin

	mu        sync.Mutex
	producers []queue.Producer
}

func New(cfg config.Config, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.New("broker")
	}
	b := &Broker{
		cfg:    cfg,
		logger: logger,
		topics: queue.NewTopicService(cfg.Queue.Prefix),
	}
	switch cfg.Queue.Type {
	case TypeMemory:
		b.storage = memory.NewStorage(cfg.Queue.Partitions)
		b.admin = memory.NewAdmin(b.storage)
	case TypeNSQ, "":
		b.nsqAdmin = nsqq.NewAdmin(cfg.NSQ.NsqdHTTPAddr)
		b.admin = b.nsqAdmin
	default:
		return nil, fmt.Errorf("broker: unsupported queue type %q", cfg.Queue.Type)
	}
	return b, nil
}

func (b *Broker) Type() string {
	if b.storage != nil {
		return TypeMemory
	}
	return TypeNSQ
}

// Topic returns the prefixed name of a logical topic
func (b *Broker) Topic(name string) string { return b.topics.BuildTopicName(name) }

// ResponseTopic returns this instance's private response topic
func (b *Broker) ResponseTopic() string {
	return b.topics.ResponseTopic(b.cfg.RPC.ResponseTopic, b.cfg.Queue.ServiceID)
}

func (b *Broker) Admin() queue.Admin { return b.admin }

// Storage is only set for the in-memory broker
func (b *Broker) Storage() *memory.Storage { return b.storage }

// Producer creates a producer whose default topic is the prefixed form of topic
func (b *Broker) Producer(topic string) (queue.Producer, error) {
	topic = b.Topic(topic)
	var p queue.Producer
	if b.storage != nil {
		p = memory.NewProducer(b.storage, topic)
	} else {
		np, err := nsqq.NewProducer(b.cfg.NSQ.NsqdTCPAddr, topic, b.logger)
		if err != nil {
			return nil, err
		}
		p = np
	}
	b.mu.Lock()
	b.producers = append(b.producers, p)
	b.mu.Unlock()
	return p, nil
}

// Consumer creates a consumer of an already prefixed topic in the given group
func (b *Broker) Consumer(topic, group string) (queue.Consumer, error) {
	if b.storage != nil {
		return memory.NewConsumer(b.storage, topic, group, b.cfg.Queue.MaxPollRecords), nil
	}
	return nsqq.NewConsumer(nsqq.ConsumerConfig{
		Topic:          topic,
		Channel:        group,
		NsqdTCPAddrs:   []string{b.cfg.NSQ.NsqdTCPAddr},
		LookupdAddrs:   b.cfg.NSQ.LookupHTTPAddrs,
		MaxPollRecords: b.cfg.Queue.MaxPollRecords,
		MsgTimeout:     b.cfg.NSQ.MsgTimeout,
	}, b.logger)
}

// Monitor returns a depth monitor for the given topics, or nil for the in-memory broker
func (b *Broker) Monitor(topics ...string) *nsqq.Monitor {
	if b.nsqAdmin == nil {
		return nil
	}
	return nsqq.NewMonitor(b.nsqAdmin, b.cfg.NSQ.StatsInterval, b.logger, topics...)
}

// Ping checks broker reachability. The in-memory broker is always reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if b.nsqAdmin == nil {
		return nil
	}
	return b.nsqAdmin.Ping(ctx)
}

// Close stops every producer created by this broker
func (b *Broker) Close() {
	b.mu.Lock()
	producers := b.producers
	b.producers = nil
	b.mu.Unlock()
	for _, p := range producers {
		p.Stop()
	}
}
