package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_queue/internal/consumer"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/tracing"
)

const DefaultTaskProcessingTimeout = 2 * time.Minute

type Config struct {
	Topic                   string
	ReprocessingTopic       string
	PollInterval            time.Duration
	TaskProcessingTimeout   time.Duration
	MaxReprocessingAttempts int
	TaskReprocessingDelay   time.Duration
	DisabledTaskTypes       []TaskType
	StopTimeout             time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = consumer.DefaultPollInterval
	}
	if c.TaskProcessingTimeout <= 0 {
		c.TaskProcessingTimeout = DefaultTaskProcessingTimeout
	}
	if c.MaxReprocessingAttempts < 0 {
		c.MaxReprocessingAttempts = 0
	}
	if c.TaskReprocessingDelay < 0 {
		c.TaskReprocessingDelay = 0
	}
}

// Deps are the collaborators of the pipeline. The reprocessing producer and consumer
// must both use cfg.ReprocessingTopic.
type Deps struct {
	Registry             *Registry
	Notifier             Notifier
	Consumer             queue.Consumer
	ReprocessingConsumer queue.Consumer
	ReprocessingProducer queue.Producer
	Admin                queue.Admin
	Logger               *logging.Logger
}

type taskRun struct {
	ctx  context.Context
	proc Processor
	task Task
	done chan error
}

// Service consumes the housekeeper topic. Tasks from it and from the reprocessing
// topic run one at a time on a single worker goroutine.
type Service struct {
	cfg      Config
	registry *Registry
	notifier Notifier
	admin    queue.Admin
	logger   *logging.Logger
	disabled map[TaskType]bool

	manager      *consumer.Manager
	stats        *stats.MessagesStats
	reprocessing *ReprocessingService

	runs       chan taskRun
	workerStop chan struct{}
	workerDone chan struct{}
	started    bool
	stopOnce   sync.Once
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	cfg.setDefaults()
	if deps.Registry == nil {
		return nil, errors.New("housekeeper: registry is required")
	}
	if deps.Consumer == nil || deps.ReprocessingConsumer == nil || deps.ReprocessingProducer == nil {
		return nil, errors.New("housekeeper: consumers and reprocessing producer are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.New("housekeeper")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(deps.Logger)
	}
	if cfg.Topic == "" {
		cfg.Topic = deps.Consumer.Topic()
	}
	if cfg.ReprocessingTopic == "" {
		cfg.ReprocessingTopic = deps.ReprocessingProducer.DefaultTopic()
	}

	disabled := make(map[TaskType]bool, len(cfg.DisabledTaskTypes))
	for _, t := range cfg.DisabledTaskTypes {
		disabled[t] = true
	}

	s := &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		admin:      deps.Admin,
		logger:     deps.Logger,
		disabled:   disabled,
		stats:      stats.NewMessagesStats("housekeeper"),
		runs:       make(chan taskRun),
		workerStop: make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	s.manager = consumer.NewManager(consumer.Config{
		Name:         "housekeeper",
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
	}, deps.Consumer, s.handleBatch, deps.Logger)
	s.reprocessing = newReprocessingService(s, deps.ReprocessingConsumer, deps.ReprocessingProducer)
	return s, nil
}

func (s *Service) Reprocessing() *ReprocessingService { return s.reprocessing }

func (s *Service) Stats() *stats.MessagesStats { return s.stats }

// Running reports whether both consumer loops are alive
func (s *Service) Running() bool {
	return s.manager.Running() && s.reprocessing.manager.Running()
}

// Start creates the topics and launches the worker and both consumer loops
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return errors.New("housekeeper: already started")
	}
	if s.admin != nil {
		if err := s.admin.CreateTopicIfNotExists(ctx, s.cfg.Topic, nil); err != nil {
			return fmt.Errorf("create topic %s: %w", s.cfg.Topic, err)
		}
		// one partition keeps retries FIFO and on a single consumer
		props := queue.TopicProperties{queue.PropPartitions: "1"}
		if err := s.admin.CreateTopicIfNotExists(ctx, s.cfg.ReprocessingTopic, props); err != nil {
			return fmt.Errorf("create topic %s: %w", s.cfg.ReprocessingTopic, err)
		}
	}
	s.started = true
	go s.worker()

	for _, m := range []*consumer.Manager{s.manager, s.reprocessing.manager} {
		if err := m.Subscribe(ctx); err != nil {
			return err
		}
		if err := m.Launch(ctx); err != nil {
			return err
		}
	}

	s.logger.Plain().WithFields(map[string]any{
		"topic":              s.cfg.Topic,
		"reprocessing_topic": s.cfg.ReprocessingTopic,
		"max_attempts":       s.cfg.MaxReprocessingAttempts,
		"processors":         s.registry.Types(),
	}).Info("housekeeper started")
	return nil
}

// Stop halts both consumer loops, abandoning their current batches, then the worker.
// A task still running on the worker is not waited for beyond the stop timeout.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		for _, m := range []*consumer.Manager{s.manager, s.reprocessing.manager} {
			if err := m.Stop(); err != nil {
				s.logger.Plain().WithQueue(m.Name()).WithError(err).Warn("consumer stop")
			}
		}
		close(s.workerStop)
		if s.started {
			timeout := s.cfg.StopTimeout
			if timeout <= 0 {
				timeout = consumer.DefaultStopTimeout
			}
			select {
			case <-s.workerDone:
			case <-time.After(timeout):
				s.logger.Plain().Warn("task worker still busy, not waiting")
			}
		}
		s.reprocessing.producer.Stop()
		s.logger.Plain().Info("housekeeper stopped")
	})
}

func (s *Service) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.workerStop:
			return
		case run := <-s.runs:
			run.done <- invoke(run)
		}
	}
}

func invoke(run taskRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return run.proc.Process(run.ctx, run.task)
}

func (s *Service) handleBatch(ctx context.Context, msgs []queue.Msg) error {
	return s.processMsgs(ctx, msgs, s.stats)
}

func (s *Service) processMsgs(ctx context.Context, msgs []queue.Msg, st *stats.MessagesStats) error {
	for _, msg := range msgs {
		st.IncrementAccepted()
		task, err := decodeTask(msg.Value)
		if err != nil {
			s.logger.Plain().WithQueue(st.Name()).WithRequest(msg.Key.String()).WithError(err).
				Error("bad task payload, dropping")
			st.IncrementFailure()
			continue
		}
		if err := s.processTask(ctx, task, st); err != nil {
			return err
		}
	}
	return nil
}

// processTask drives one task to a terminal decision for this batch. It only returns
// an error when the batch must stay uncommitted.
func (s *Service) processTask(ctx context.Context, task Task, st *stats.MessagesStats) error {
	if s.disabled[task.Type] {
		s.logger.Plain().WithTaskType(string(task.Type)).Debugf("task type is disabled, ignoring %s", task.Description())
		metrics.RecordTaskStatus(string(task.Type), "disabled")
		return nil
	}

	ctx = tracing.ExtractTrace(ctx, task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "housekeeper.process",
		attribute.String("task_type", string(task.Type)),
		attribute.String("tenant_id", task.TenantID),
		attribute.Int("attempt", task.Attempt),
	)
	defer span.End()
	log := s.logger.WithContext(ctx).WithTenant(task.TenantID).WithTaskType(string(task.Type))

	start := time.Now()
	err := s.execute(ctx, task)
	if err == nil {
		elapsed := time.Since(start)
		metrics.RecordTaskProcessed(string(task.Type), elapsed)
		st.IncrementSuccess()
		log.WithFields(map[string]any{"attempt": task.Attempt, "duration_ms": elapsed.Milliseconds()}).
			Debugf("processed %s", task.Description())
		return nil
	}
	if errors.Is(err, queue.ErrInterrupted) {
		return err
	}

	tracing.SetSpanError(ctx, err)
	st.IncrementFailure()
	metrics.RecordTaskStatus(string(task.Type), "failed")

	if task.Attempt < s.cfg.MaxReprocessingAttempts {
		log.WithField("attempt", task.Attempt).WithError(err).
			Warnf("failed to process %s, submitting for reprocessing", task.Description())
		if serr := s.reprocessing.submit(ctx, task, err); serr != nil {
			if ctx.Err() != nil {
				return queue.ErrInterrupted
			}
			log.WithError(serr).Error("failed to submit task for reprocessing")
			return serr
		}
		metrics.RecordTaskStatus(string(task.Type), "reprocessing")
		return nil
	}

	log.WithField("attempt", task.Attempt).WithError(err).
		Errorf("failed to process task in %d attempts", task.Attempt)
	if nerr := s.notifier.Notify(ctx, NewFailureNotification(task, err)); nerr != nil {
		log.WithError(nerr).Error("failed to send failure notification")
	}
	metrics.RecordTaskStatus(string(task.Type), "escalated")
	return nil
}

// execute runs the task on the worker, bounded by the processing timeout. The
// timeout covers time spent waiting for the worker.
func (s *Service) execute(ctx context.Context, task Task) error {
	proc, err := s.registry.Lookup(task.Type)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskProcessingTimeout)
	defer cancel()

	run := taskRun{ctx: runCtx, proc: proc, task: task, done: make(chan error, 1)}
	select {
	case s.runs <- run:
	case <-s.workerStop:
		return queue.ErrInterrupted
	case <-runCtx.Done():
		return s.abort(ctx)
	}

	select {
	case err := <-run.done:
		if err != nil && runCtx.Err() != nil {
			return s.abort(ctx)
		}
		return err
	case <-runCtx.Done():
		return s.abort(ctx)
	}
}

func (s *Service) abort(ctx context.Context) error {
	if ctx.Err() != nil {
		return queue.ErrInterrupted
	}
	return fmt.Errorf("timeout after %s: %w", s.cfg.TaskProcessingTimeout, queue.ErrTimeout)
}
