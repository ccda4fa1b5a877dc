package nsqq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
)

const defaultMaxPollRecords = 500

var errNotSubscribed = errors.New("nsqq: consumer is not subscribed")

type ConsumerConfig struct {
	Topic          string
	Channel        string
	NsqdTCPAddrs   []string
	LookupdAddrs   []string
	MaxPollRecords int
	// MsgTimeout bounds how long a polled message may stay uncommitted before nsqd redelivers it
	MsgTimeout time.Duration
}

// Consumer turns NSQ push delivery into poll/commit. Messages from a poll are held
// until Commit finishes them; a poll without a preceding commit requeues them.
type Consumer struct {
	cfg    ConsumerConfig
	logger *logging.Logger

	// connect is replaced in tests to avoid dialing nsqd
	connect func(*nsq.Consumer) error
	// touchEvery keeps polled messages alive between Poll and Commit
	touchEvery time.Duration

	mu       sync.Mutex
	consumer *nsq.Consumer
	incoming chan *nsq.Message
	closed   chan struct{}
	pending  []*nsq.Message
}

func NewConsumer(cfg ConsumerConfig, logger *logging.Logger) (*Consumer, error) {
	if !nsq.IsValidTopicName(cfg.Topic) {
		return nil, fmt.Errorf("nsqq: invalid topic name %q", cfg.Topic)
	}
	if !nsq.IsValidChannelName(cfg.Channel) {
		return nil, fmt.Errorf("nsqq: invalid channel name %q", cfg.Channel)
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = defaultMaxPollRecords
	}
	if logger == nil {
		logger = logging.New("nsqq")
	}
	c := &Consumer{cfg: cfg, logger: logger}
	c.connect = c.connectAll
	msgTimeout := cfg.MsgTimeout
	if msgTimeout <= 0 {
		msgTimeout = nsq.NewConfig().MsgTimeout
	}
	c.touchEvery = max(msgTimeout/3, time.Millisecond)
	return c, nil
}

func (c *Consumer) Topic() string { return c.cfg.Topic }

func (c *Consumer) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		return nil
	}

	conf := nsq.NewConfig()
	conf.MaxInFlight = c.cfg.MaxPollRecords
	if c.cfg.MsgTimeout > 0 {
		conf.MsgTimeout = c.cfg.MsgTimeout
	}
	consumer, err := nsq.NewConsumer(c.cfg.Topic, c.cfg.Channel, conf)
	if err != nil {
		return fmt.Errorf("nsqq: new consumer: %w", err)
	}
	consumer.SetLogger(logging.NewNSQLogger(c.logger, "nsq-consumer"), nsq.LogLevelWarning)

	c.incoming = make(chan *nsq.Message, c.cfg.MaxPollRecords)
	c.closed = make(chan struct{})
	consumer.AddHandler(c)

	if err := c.connect(consumer); err != nil {
		consumer.Stop()
		<-consumer.StopChan
		return err
	}
	c.consumer = consumer
	go c.keepAlive(c.closed)
	return nil
}

// keepAlive touches the held batch so nsqd does not redeliver messages that
// are still being processed.
func (c *Consumer) keepAlive(closed <-chan struct{}) {
	ticker := time.NewTicker(c.touchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			for _, m := range c.pending {
				m.Touch()
			}
			c.mu.Unlock()
		}
	}
}

func (c *Consumer) connectAll(consumer *nsq.Consumer) error {
	// Connecting directly to nsqd creates the channel up front
	if len(c.cfg.NsqdTCPAddrs) > 0 {
		if err := consumer.ConnectToNSQDs(c.cfg.NsqdTCPAddrs); err != nil {
			return fmt.Errorf("nsqq: connect to nsqd: %w", err)
		}
	}
	if len(c.cfg.LookupdAddrs) > 0 {
		if err := consumer.ConnectToNSQLookupds(c.cfg.LookupdAddrs); err != nil {
			return fmt.Errorf("nsqq: connect to lookupd: %w", err)
		}
	}
	return nil
}

// HandleMessage hands deliveries to Poll; the response is sent on Commit
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	c.mu.Lock()
	incoming, closed := c.incoming, c.closed
	c.mu.Unlock()
	if incoming == nil {
		m.RequeueWithoutBackoff(0)
		return nil
	}
	select {
	case incoming <- m:
	case <-closed:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Msg, error) {
	c.mu.Lock()
	if c.consumer == nil {
		c.mu.Unlock()
		return nil, errNotSubscribed
	}
	abandoned := c.pending
	c.pending = nil
	incoming := c.incoming
	c.mu.Unlock()

	for _, m := range abandoned {
		m.RequeueWithoutBackoff(0)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var raw []*nsq.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case m := <-incoming:
		raw = append(raw, m)
	}
drain:
	for len(raw) < c.cfg.MaxPollRecords {
		select {
		case m := <-incoming:
			raw = append(raw, m)
		default:
			break drain
		}
	}

	out := make([]queue.Msg, 0, len(raw))
	kept := make([]*nsq.Message, 0, len(raw))
	for _, m := range raw {
		msg, err := decode(m.Body)
		if err != nil {
			c.logger.Plain().WithQueue(c.cfg.Topic).WithError(err).Warn("dropping undecodable message")
			m.Finish()
			continue
		}
		out = append(out, msg)
		kept = append(kept, m)
	}

	c.mu.Lock()
	c.pending = kept
	c.mu.Unlock()
	return out, nil
}

// Commit acknowledges everything returned by the last poll
func (c *Consumer) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == nil {
		return errNotSubscribed
	}
	for _, m := range c.pending {
		m.Finish()
	}
	c.pending = nil
	return nil
}

// Unsubscribe requeues uncommitted messages and stops the NSQ consumer
func (c *Consumer) Unsubscribe() error {
	c.mu.Lock()
	consumer := c.consumer
	pending := c.pending
	closed := c.closed
	incoming := c.incoming
	c.consumer = nil
	c.pending = nil
	c.incoming = nil
	c.mu.Unlock()

	if consumer == nil {
		return nil
	}
	close(closed)
	for _, m := range pending {
		m.RequeueWithoutBackoff(0)
	}
	consumer.Stop()
	for {
		select {
		case m := <-incoming:
			m.RequeueWithoutBackoff(0)
		case <-consumer.StopChan:
			// handlers have exited; flush what they left behind
			for {
				select {
				case m := <-incoming:
					m.RequeueWithoutBackoff(0)
				default:
					return nil
				}
			}
		}
	}
}
