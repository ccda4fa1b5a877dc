package nsqq

import (
	"context"
	"fmt"
	"sync"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
)

type publisher interface {
	PublishAsync(topic string, body []byte, doneChan chan *nsq.ProducerTransaction, args ...interface{}) error
	Stop()
}

// Producer publishes asynchronously; callbacks run on a single completion goroutine.
type Producer struct {
	pub          publisher
	defaultTopic string
	done         chan *nsq.ProducerTransaction
	finished     chan struct{}
	stopOnce     sync.Once
}

// NewProducer connects lazily to the nsqd TCP address on first publish
func NewProducer(nsqdAddr, defaultTopic string, logger *logging.Logger) (*Producer, error) {
	cfg := nsq.NewConfig()
	p, err := nsq.NewProducer(nsqdAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("nsqq: new producer: %w", err)
	}
	if logger != nil {
		p.SetLogger(logging.NewNSQLogger(logger, "nsq-producer"), nsq.LogLevelWarning)
	}
	return newProducer(p, defaultTopic), nil
}

func newProducer(pub publisher, defaultTopic string) *Producer {
	p := &Producer{
		pub:          pub,
		defaultTopic: defaultTopic,
		done:         make(chan *nsq.ProducerTransaction, 256),
		finished:     make(chan struct{}),
	}
	go p.completions()
	return p
}

func (p *Producer) DefaultTopic() string { return p.defaultTopic }

func (p *Producer) Send(_ context.Context, topic string, msg queue.Msg, cb queue.Callback) {
	if topic == "" {
		topic = p.defaultTopic
	}
	body, err := encode(msg)
	if err != nil {
		notify(cb, &queue.PublishError{Topic: topic, Err: err})
		return
	}
	if err := p.pub.PublishAsync(topic, body, p.done, topic, cb); err != nil {
		notify(cb, &queue.PublishError{Topic: topic, Err: err})
	}
}

func (p *Producer) completions() {
	defer close(p.finished)
	for t := range p.done {
		if len(t.Args) < 2 {
			continue
		}
		topic, _ := t.Args[0].(string)
		cb, _ := t.Args[1].(queue.Callback)
		var err error
		if t.Error != nil {
			err = &queue.PublishError{Topic: topic, Err: t.Error}
		}
		notify(cb, err)
	}
}

// Stop flushes outstanding transactions, then ends the completion goroutine
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		p.pub.Stop()
		close(p.done)
		<-p.finished
	})
}

func notify(cb queue.Callback, err error) {
	if cb != nil {
		cb(err)
	}
}
