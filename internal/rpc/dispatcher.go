package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_queue/internal/consumer"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/tracing"
)

const (
	DefaultPollInterval       = 25 * time.Millisecond
	DefaultMaxPendingRequests = 10000
	DefaultMaxRequestTimeout  = 10 * time.Second
)

type DispatcherConfig struct {
	// Name labels logs, metrics and stats
	Name               string
	RequestTopic       string
	ResponseTopic      string
	PollInterval       time.Duration
	MaxPendingRequests int
	MaxRequestTimeout  time.Duration
	StopTimeout        time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.MaxRequestTimeout <= 0 {
		c.MaxRequestTimeout = DefaultMaxRequestTimeout
	}
	if c.Name == "" {
		c.Name = c.RequestTopic
	}
}

type pendingRequest[Resp any] struct {
	future   *Future[Resp]
	deadline time.Time
	started  time.Time
}

// Dispatcher sends requests and resolves their futures from the response topic.
type Dispatcher[Req, Resp any] struct {
	cfg      DispatcherConfig
	producer queue.Producer
	consumer queue.Consumer
	admin    queue.Admin
	logger   *logging.Logger
	stats    *stats.MessagesStats

	manager *consumer.Manager
	pending sync.Map // uuid.UUID -> *pendingRequest[Resp]
	count   atomic.Int64

	stopped   atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	sweepDone chan struct{}
}

// NewDispatcher wires a dispatcher; the producer targets cfg.RequestTopic and the
// consumer reads cfg.ResponseTopic, which must be private to this instance.
func NewDispatcher[Req, Resp any](cfg DispatcherConfig, producer queue.Producer, c queue.Consumer, admin queue.Admin, logger *logging.Logger) *Dispatcher[Req, Resp] {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.New("rpc-dispatcher")
	}
	d := &Dispatcher[Req, Resp]{
		cfg:      cfg,
		producer: producer,
		consumer: c,
		admin:    admin,
		logger:   logger,
		stats:    stats.NewMessagesStats(cfg.Name),
	}
	d.manager = consumer.NewManager(consumer.Config{
		Name:         cfg.Name + ".responses",
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
	}, c, d.handleResponses, logger)
	return d
}

// Stats exposes the client-side counters; register them with a stats.Printer to export them
func (d *Dispatcher[Req, Resp]) Stats() *stats.MessagesStats { return d.stats }

// Pending is the number of outstanding requests
func (d *Dispatcher[Req, Resp]) Pending() int { return int(d.count.Load()) }

// Running reports whether the response loop is alive
func (d *Dispatcher[Req, Resp]) Running() bool { return d.manager.Running() }

// Init creates the response topic and starts the response loop and timeout sweeper
func (d *Dispatcher[Req, Resp]) Init(ctx context.Context) error {
	if d.admin != nil {
		if err := d.admin.CreateTopicIfNotExists(ctx, d.cfg.ResponseTopic, nil); err != nil {
			return fmt.Errorf("create response topic %s: %w", d.cfg.ResponseTopic, err)
		}
	}
	if err := d.manager.Subscribe(ctx); err != nil {
		return err
	}
	if err := d.manager.Launch(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.sweepDone = make(chan struct{})
	go d.sweep(sweepCtx)

	d.logger.Plain().WithQueue(d.cfg.Name).WithFields(map[string]any{
		"request_topic":  d.cfg.RequestTopic,
		"response_topic": d.cfg.ResponseTopic,
	}).Info("rpc dispatcher started")
	return nil
}

// SendRequest sends req with the maximum request timeout
func (d *Dispatcher[Req, Resp]) SendRequest(ctx context.Context, req Req) *Future[Resp] {
	return d.SendRequestWithTimeout(ctx, req, 0)
}

// SendRequestWithTimeout never blocks on the broker; the returned future resolves with
// the response or one of ErrTimeout, ErrCapacityExceeded, ErrShutdown, *PublishError, *HandlerError.
func (d *Dispatcher[Req, Resp]) SendRequestWithTimeout(ctx context.Context, req Req, timeout time.Duration) *Future[Resp] {
	if d.stopped.Load() {
		return failedFuture[Resp](queue.ErrShutdown)
	}
	if timeout <= 0 || timeout > d.cfg.MaxRequestTimeout {
		timeout = d.cfg.MaxRequestTimeout
	}

	if n := d.count.Add(1); n > int64(d.cfg.MaxPendingRequests) {
		d.count.Add(-1)
		metrics.RPCRequestsTotal.WithLabelValues(d.cfg.Name, "rejected").Inc()
		return failedFuture[Resp](queue.ErrCapacityExceeded)
	}

	body, err := encode(req)
	if err != nil {
		d.count.Add(-1)
		return failedFuture[Resp](err)
	}

	now := time.Now()
	id := uuid.New()
	msg := queue.NewMsg(id, body)
	msg.Headers.Set(queue.HeaderReplyTopic, d.cfg.ResponseTopic)
	msg.Headers.Set(queue.HeaderExpireTime, strconv.FormatInt(now.Add(timeout).UnixMilli(), 10))
	ctx, span := tracing.StartPublishSpan(ctx, d.cfg.RequestTopic, msg.Headers,
		attribute.String("messaging.message.id", id.String()),
	)
	defer span.End()

	p := &pendingRequest[Resp]{future: newFuture[Resp](), deadline: now.Add(timeout), started: now}
	d.pending.Store(id, p)
	d.stats.IncrementAccepted()
	metrics.SetPending(d.cfg.Name, "dispatcher", d.Pending())

	d.producer.Send(ctx, d.cfg.RequestTopic, msg, func(err error) {
		if err != nil {
			tracing.SetSpanError(ctx, err)
			d.logger.WithContext(ctx).WithRequest(id.String()).WithError(err).Warn("failed to publish request")
			var zero Resp
			d.resolve(id, zero, err)
		}
	})

	// the stop path may have drained the table between the check above and Store
	if d.stopped.Load() {
		var zero Resp
		d.resolve(id, zero, queue.ErrShutdown)
	}
	return p.future
}

// resolve completes and removes a pending request; false means it was already gone
func (d *Dispatcher[Req, Resp]) resolve(id uuid.UUID, v Resp, err error) bool {
	value, ok := d.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	d.count.Add(-1)
	p := value.(*pendingRequest[Resp])

	// counters settle before the caller observes the result
	outcome := "success"
	switch {
	case err == nil:
		d.stats.IncrementSuccess()
	case errors.Is(err, queue.ErrTimeout):
		outcome = "timeout"
		d.stats.IncrementFailure()
	case errors.Is(err, queue.ErrShutdown):
		outcome = "shutdown"
		d.stats.IncrementFailure()
	default:
		outcome = "error"
		d.stats.IncrementFailure()
	}
	metrics.RecordRPC(d.cfg.Name, outcome, time.Since(p.started))
	metrics.SetPending(d.cfg.Name, "dispatcher", d.Pending())
	p.future.complete(v, err)
	return true
}

func (d *Dispatcher[Req, Resp]) handleResponses(_ context.Context, msgs []queue.Msg) error {
	for _, msg := range msgs {
		resp, err := d.responseOf(msg)
		if !d.resolve(msg.Key, resp, err) {
			d.logger.Plain().WithQueue(d.cfg.Name).WithRequest(msg.Key.String()).
				Debug("no pending request for response, dropping")
		}
	}
	return nil
}

func (d *Dispatcher[Req, Resp]) responseOf(msg queue.Msg) (Resp, error) {
	var zero Resp
	if errMsg, ok := msg.Headers[queue.HeaderError]; ok {
		if msg.Headers.Get(queue.HeaderErrorKind) == errorKindTimeout {
			return zero, queue.ErrTimeout
		}
		return zero, &queue.HandlerError{Message: string(errMsg)}
	}
	return decode[Resp](msg.Value)
}

func (d *Dispatcher[Req, Resp]) sweep(ctx context.Context) {
	defer close(d.sweepDone)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.expire(now)
		}
	}
}

func (d *Dispatcher[Req, Resp]) expire(now time.Time) {
	var zero Resp
	d.pending.Range(func(key, value any) bool {
		p := value.(*pendingRequest[Resp])
		if now.After(p.deadline) {
			id := key.(uuid.UUID)
			if d.resolve(id, zero, queue.ErrTimeout) {
				d.logger.Plain().WithQueue(d.cfg.Name).WithRequest(id.String()).Debug("request timed out")
			}
		}
		return true
	})
}

// Stop is idempotent. Outstanding requests fail with ErrShutdown and later sends are rejected.
func (d *Dispatcher[Req, Resp]) Stop() {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		if err := d.manager.Stop(); err != nil {
			d.logger.Plain().WithQueue(d.cfg.Name).WithError(err).Warn("response loop stop")
		}
		if d.cancel != nil {
			d.cancel()
			<-d.sweepDone
		}

		var zero Resp
		d.pending.Range(func(key, _ any) bool {
			d.resolve(key.(uuid.UUID), zero, queue.ErrShutdown)
			return true
		})
		d.producer.Stop()
		d.logger.Plain().WithQueue(d.cfg.Name).Info("rpc dispatcher stopped")
	})
}
