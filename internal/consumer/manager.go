// Package consumer runs the poll, dispatch and commit loop of one logical queue consumer.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue"
)

const (
	DefaultPollInterval = 25 * time.Millisecond
	DefaultStopTimeout  = 10 * time.Second
)

var (
	ErrNotSubscribed   = errors.New("consumer: subscribe must be called before launch")
	ErrAlreadyLaunched = errors.New("consumer: already launched")
	ErrStopped         = errors.New("consumer: manager stopped")
	ErrStopTimeout     = errors.New("consumer: timeout waiting for poll loop to exit")
)

// BatchHandler processes one polled batch. Returning nil commits the batch; any error
// leaves it uncommitted. queue.ErrInterrupted also terminates the loop.
type BatchHandler func(ctx context.Context, msgs []queue.Msg) error

type Config struct {
	Name         string
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// Manager owns exactly one goroutine polling a Consumer.
type Manager struct {
	name         string
	pollInterval time.Duration
	stopTimeout  time.Duration
	consumer     queue.Consumer
	handler      BatchHandler
	logger       *logging.Logger

	mu         sync.Mutex
	subscribed bool
	launched   bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}

	running atomic.Bool
}

func NewManager(cfg Config, c queue.Consumer, handler BatchHandler, logger *logging.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = logging.New("consumer")
	}
	return &Manager{
		name:         cfg.Name,
		pollInterval: cfg.PollInterval,
		stopTimeout:  cfg.StopTimeout,
		consumer:     c,
		handler:      handler,
		logger:       logger,
	}
}

func (m *Manager) Name() string { return m.name }

// Running reports whether the poll loop is alive
func (m *Manager) Running() bool { return m.running.Load() }

// Subscribe attaches the underlying consumer to its topic
func (m *Manager) Subscribe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.subscribed {
		return nil
	}
	if err := m.consumer.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.consumer.Topic(), err)
	}
	m.subscribed = true
	return nil
}

// Launch starts the poll loop. The loop runs until Stop is called or ctx is done.
func (m *Manager) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped:
		return ErrStopped
	case !m.subscribed:
		return ErrNotSubscribed
	case m.launched:
		return ErrAlreadyLaunched
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.launched = true
	m.running.Store(true)

	go m.loop(loopCtx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	defer m.running.Store(false)

	log := m.logger.Plain().WithQueue(m.name).WithField("topic", m.consumer.Topic())
	log.Info("consumer loop started")

	for ctx.Err() == nil {
		msgs, err := m.consumer.Poll(ctx, m.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.logger.Plain().WithQueue(m.name).WithError(err).Warn("poll failed")
			if !sleep(ctx, m.pollInterval) {
				break
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := m.handle(ctx, msgs); err != nil {
			if errors.Is(err, queue.ErrInterrupted) || ctx.Err() != nil {
				m.logger.Plain().WithQueue(m.name).WithField("batch_size", len(msgs)).
					Info("batch interrupted, leaving uncommitted")
				break
			}
			m.logger.Plain().WithQueue(m.name).WithField("batch_size", len(msgs)).WithError(err).
				Error("failed to process messages, skipping commit")
			continue
		}

		if err := m.consumer.Commit(ctx); err != nil {
			m.logger.Plain().WithQueue(m.name).WithError(err).Error("commit failed")
		}
	}

	log.Info("consumer loop stopped")
}

// handle shields the loop from handler panics
func (m *Manager) handle(ctx context.Context, msgs []queue.Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panic: %v", r)
		}
	}()
	return m.handler(ctx, msgs)
}

// Stop ends the loop and unsubscribes. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, done, subscribed := m.cancel, m.done, m.subscribed
	m.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(m.stopTimeout):
			err = ErrStopTimeout
		}
	}
	if subscribed {
		if uerr := m.consumer.Unsubscribe(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
