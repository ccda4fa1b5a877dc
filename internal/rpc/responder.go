package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/harbor_queue/internal/consumer"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/tracing"
)

const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultCallbackThreads = 100

	errorKindHandler = "handler"
	errorKindTimeout = "timeout"
)

// Handler serves one request type.
type Handler[Req, Resp any] interface {
	Handle(ctx context.Context, req Req) (Resp, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f HandlerFunc[Req, Resp]) Handle(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

type ResponderConfig struct {
	Name               string
	RequestTopic       string
	PollInterval       time.Duration
	MaxPendingRequests int
	RequestTimeout     time.Duration
	CallbackThreads    int
	StopTimeout        time.Duration
}

func (c *ResponderConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CallbackThreads <= 0 {
		c.CallbackThreads = DefaultCallbackThreads
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = consumer.DefaultStopTimeout
	}
	if c.Name == "" {
		c.Name = c.RequestTopic
	}
}

// call is one accepted request. Its timeout runs from acceptance, so time spent
// waiting for a callback worker counts against it.
type call struct {
	msg        queue.Msg
	replyTopic string
	accepted   time.Time
	timer      *time.Timer

	once    sync.Once
	replied atomic.Bool
}

func (c *call) deadline(timeout time.Duration) time.Time { return c.accepted.Add(timeout) }

// Responder consumes requests and publishes one response per request to its reply topic.
// At most MaxPendingRequests requests are in flight; beyond that the poll loop blocks.
type Responder[Req, Resp any] struct {
	cfg      ResponderConfig
	consumer queue.Consumer
	producer queue.Producer
	admin    queue.Admin
	logger   *logging.Logger
	stats    *stats.MessagesStats

	handler  Handler[Req, Resp]
	manager  *consumer.Manager
	slots    *semaphore.Weighted
	inFlight atomic.Int64
	work     chan *call
	workers  sync.WaitGroup
	baseCtx  context.Context

	stopOnce sync.Once
}

func NewResponder[Req, Resp any](cfg ResponderConfig, c queue.Consumer, producer queue.Producer, admin queue.Admin, logger *logging.Logger) *Responder[Req, Resp] {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.New("rpc-responder")
	}
	r := &Responder[Req, Resp]{
		cfg:      cfg,
		consumer: c,
		producer: producer,
		admin:    admin,
		logger:   logger,
		stats:    stats.NewMessagesStats(cfg.Name),
		slots:    semaphore.NewWeighted(int64(cfg.MaxPendingRequests)),
		work:     make(chan *call, cfg.MaxPendingRequests),
	}
	r.manager = consumer.NewManager(consumer.Config{
		Name:         cfg.Name + ".requests",
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
	}, c, r.handleBatch, logger)
	return r
}

func (r *Responder[Req, Resp]) Stats() *stats.MessagesStats { return r.stats }

// InFlight is the number of requests holding a slot
func (r *Responder[Req, Resp]) InFlight() int { return int(r.inFlight.Load()) }

func (r *Responder[Req, Resp]) Running() bool { return r.manager.Running() }

// Init starts the workers and the request loop
func (r *Responder[Req, Resp]) Init(ctx context.Context, handler Handler[Req, Resp]) error {
	if handler == nil {
		return errors.New("rpc: nil handler")
	}
	r.handler = handler
	r.baseCtx = context.WithoutCancel(ctx)

	if r.admin != nil {
		if err := r.admin.CreateTopicIfNotExists(ctx, r.cfg.RequestTopic, nil); err != nil {
			return fmt.Errorf("create request topic %s: %w", r.cfg.RequestTopic, err)
		}
	}
	if err := r.manager.Subscribe(ctx); err != nil {
		return err
	}

	for i := 0; i < r.cfg.CallbackThreads; i++ {
		r.workers.Add(1)
		go r.worker()
	}
	if err := r.manager.Launch(ctx); err != nil {
		close(r.work)
		r.workers.Wait()
		r.handler = nil
		return err
	}

	r.logger.Plain().WithQueue(r.cfg.Name).WithFields(map[string]any{
		"request_topic":    r.cfg.RequestTopic,
		"callback_threads": r.cfg.CallbackThreads,
		"max_pending":      r.cfg.MaxPendingRequests,
	}).Info("rpc responder started")
	return nil
}

func (r *Responder[Req, Resp]) handleBatch(ctx context.Context, msgs []queue.Msg) error {
	for _, msg := range msgs {
		r.stats.IncrementAccepted()
		log := r.logger.Plain().WithQueue(r.cfg.Name).WithRequest(msg.Key.String())

		replyTopic := msg.Headers.Get(queue.HeaderReplyTopic)
		if replyTopic == "" {
			log.Warn("request without reply topic, skipping")
			r.stats.IncrementFailure()
			continue
		}
		if expired(msg, time.Now()) {
			log.Debug("request expired before processing, skipping")
			r.stats.IncrementFailure()
			continue
		}

		// blocks the poll loop while every slot is taken
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return queue.ErrInterrupted
		}
		metrics.SetPending(r.cfg.Name, "responder", int(r.inFlight.Add(1)))

		c := &call{msg: msg, replyTopic: replyTopic, accepted: time.Now()}
		c.timer = time.AfterFunc(r.cfg.RequestTimeout, func() {
			r.reply(r.baseCtx, c, errorResponse(c.msg, errorKindTimeout, "request timed out"), "timeout")
		})

		select {
		case r.work <- c:
		case <-ctx.Done():
			if c.timer.Stop() {
				c.once.Do(r.release)
			}
			return queue.ErrInterrupted
		}
	}
	return nil
}

func expired(msg queue.Msg, now time.Time) bool {
	raw := msg.Headers.Get(queue.HeaderExpireTime)
	if raw == "" {
		return false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return now.UnixMilli() > ms
}

func (r *Responder[Req, Resp]) release() {
	r.slots.Release(1)
	metrics.SetPending(r.cfg.Name, "responder", int(r.inFlight.Add(-1)))
}

func (r *Responder[Req, Resp]) worker() {
	defer r.workers.Done()
	for c := range r.work {
		r.process(c)
	}
}

// reply publishes the single response for c and frees its slot.
func (r *Responder[Req, Resp]) reply(ctx context.Context, c *call, resp queue.Msg, outcome string) {
	c.once.Do(func() {
		c.replied.Store(true)
		r.send(ctx, c.replyTopic, resp, outcome, time.Since(c.accepted))
		r.release()
	})
}

func (r *Responder[Req, Resp]) process(c *call) {
	if c.replied.Load() || !time.Now().Before(c.deadline(r.cfg.RequestTimeout)) {
		// timed out while queued, the timer owns the reply
		return
	}

	ctx, span := tracing.StartProcessSpan(r.baseCtx, r.cfg.RequestTopic, c.msg.Headers,
		attribute.String("messaging.message.id", c.msg.Key.String()),
		attribute.String("queue", r.cfg.Name),
	)
	defer span.End()

	reqCtx, cancel := context.WithDeadline(ctx, c.deadline(r.cfg.RequestTimeout))
	defer cancel()

	resp, err := r.invoke(reqCtx, c.msg)
	c.timer.Stop()
	if c.replied.Load() {
		tracing.AddSpanEvent(ctx, "rpc.timeout")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		r.reply(ctx, c, errorResponse(c.msg, errorKindHandler, err.Error()), "error")
		return
	}
	body, err := encode(resp)
	if err != nil {
		r.reply(ctx, c, errorResponse(c.msg, errorKindHandler, err.Error()), "error")
		return
	}
	out := queue.NewMsg(c.msg.Key, body)
	tracing.InjectHeaders(ctx, out.Headers)
	r.reply(ctx, c, out, "success")
}

// invoke decodes the request and runs the handler, turning panics into errors
func (r *Responder[Req, Resp]) invoke(ctx context.Context, msg queue.Msg) (resp Resp, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	req, err := decode[Req](msg.Value)
	if err != nil {
		return resp, err
	}
	return r.handler.Handle(ctx, req)
}

func errorResponse(req queue.Msg, kind, message string) queue.Msg {
	out := queue.NewMsg(req.Key, nil)
	out.Headers.Set(queue.HeaderError, message)
	out.Headers.Set(queue.HeaderErrorKind, kind)
	return out
}

func (r *Responder[Req, Resp]) send(ctx context.Context, topic string, msg queue.Msg, outcome string, d time.Duration) {
	r.producer.Send(ctx, topic, msg, func(err error) {
		if err != nil {
			r.logger.WithContext(ctx).WithQueue(r.cfg.Name).WithRequest(msg.Key.String()).WithError(err).
				Error("failed to publish response")
			r.stats.IncrementFailure()
			metrics.RecordRPC(r.cfg.Name, "publish_failed", d)
			return
		}
		if outcome == "success" {
			r.stats.IncrementSuccess()
		} else {
			r.stats.IncrementFailure()
		}
		metrics.RecordRPC(r.cfg.Name, outcome, d)
	})
}

// Stop ends polling, lets workers drain queued requests within the grace period and
// stops the producer. It is idempotent.
func (r *Responder[Req, Resp]) Stop() {
	r.stopOnce.Do(func() {
		err := r.manager.Stop()
		if err != nil {
			r.logger.Plain().WithQueue(r.cfg.Name).WithError(err).Warn("request loop stop")
		}
		if r.handler != nil && !errors.Is(err, consumer.ErrStopTimeout) {
			close(r.work)
			done := make(chan struct{})
			go func() {
				r.workers.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.cfg.StopTimeout):
				r.logger.Plain().WithQueue(r.cfg.Name).Warn("timeout waiting for request workers")
			}
		}
		r.producer.Stop()
		r.logger.Plain().WithQueue(r.cfg.Name).Info("rpc responder stopped")
	})
}
