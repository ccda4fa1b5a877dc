package nsqq

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := queue.NewMsg(uuid.New(), []byte(`{"a":1}`))
	msg.Headers.Set(queue.HeaderReplyTopic, "tb_transport.api.responses.node-1")

	body, err := encode(msg)
	require.NoError(t, err)
	got, err := decode(body)
	require.NoError(t, err)

	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, msg.Value, got.Value)
	assert.Equal(t, "tb_transport.api.responses.node-1", got.Headers.Get(queue.HeaderReplyTopic))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decode([]byte("not json"))
	assert.Error(t, err)
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failWith  error
	asyncErr  error
	stopped   bool
}

func (f *fakePublisher) PublishAsync(topic string, body []byte, done chan *nsq.ProducerTransaction, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[topic] = append(f.published[topic], body)
	go func() { done <- &nsq.ProducerTransaction{Error: f.asyncErr, Args: args} }()
	return nil
}

func (f *fakePublisher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func sendAndWait(t *testing.T, p *Producer, topic string, msg queue.Msg) error {
	t.Helper()
	result := make(chan error, 1)
	p.Send(context.Background(), topic, msg, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
		return nil
	}
}

func TestProducerPublishesToDefaultTopic(t *testing.T) {
	pub := &fakePublisher{}
	p := newProducer(pub, "tb_housekeeper")
	defer p.Stop()

	require.NoError(t, sendAndWait(t, p, "", queue.NewMsg(uuid.New(), []byte("x"))))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.published["tb_housekeeper"], 1)
}

func TestProducerReportsSyncAndAsyncFailures(t *testing.T) {
	tests := []struct {
		name string
		pub  *fakePublisher
	}{
		{name: "publish rejected", pub: &fakePublisher{failWith: nsq.ErrStopped}},
		{name: "nsqd error", pub: &fakePublisher{asyncErr: errors.New("E_BAD_TOPIC")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProducer(tt.pub, "tasks")
			defer p.Stop()

			err := sendAndWait(t, p, "tasks", queue.NewMsg(uuid.New(), nil))
			var pubErr *queue.PublishError
			require.ErrorAs(t, err, &pubErr)
			assert.Equal(t, "tasks", pubErr.Topic)
			assert.True(t, queue.IsRetryable(err))
		})
	}
}

func TestProducerStopIsIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	p := newProducer(pub, "tasks")
	p.Stop()
	p.Stop()
	assert.True(t, pub.stopped)
}

type fakeDelegate struct {
	mu       sync.Mutex
	finished int
	requeued int
	touched  int
}

func (d *fakeDelegate) OnFinish(*nsq.Message) {
	d.mu.Lock()
	d.finished++
	d.mu.Unlock()
}

func (d *fakeDelegate) OnRequeue(*nsq.Message, time.Duration, bool) {
	d.mu.Lock()
	d.requeued++
	d.mu.Unlock()
}

func (d *fakeDelegate) OnTouch(*nsq.Message) {
	d.mu.Lock()
	d.touched++
	d.mu.Unlock()
}

func (d *fakeDelegate) touches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched
}

func (d *fakeDelegate) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished, d.requeued
}

func nsqMessage(t *testing.T, d *fakeDelegate, body []byte) *nsq.Message {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], uuid.New().String())
	m := nsq.NewMessage(id, body)
	m.Delegate = d
	return m
}

func encoded(t *testing.T, value string) []byte {
	t.Helper()
	b, err := encode(queue.NewMsg(uuid.New(), []byte(value)))
	require.NoError(t, err)
	return b
}

func subscribedConsumer(t *testing.T, max int) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{Topic: "tb_housekeeper", Channel: "housekeeper", MaxPollRecords: max}, nil)
	require.NoError(t, err)
	c.connect = func(*nsq.Consumer) error { return nil }
	require.NoError(t, c.Subscribe(context.Background()))
	t.Cleanup(func() { _ = c.Unsubscribe() })
	return c
}

func TestHeldBatchIsTouchedUntilCommit(t *testing.T) {
	c, err := NewConsumer(ConsumerConfig{Topic: "tb_housekeeper", Channel: "housekeeper", MaxPollRecords: 10, MsgTimeout: 5 * time.Minute}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, c.touchEvery)

	c.connect = func(*nsq.Consumer) error { return nil }
	c.touchEvery = 10 * time.Millisecond
	require.NoError(t, c.Subscribe(context.Background()))
	t.Cleanup(func() { _ = c.Unsubscribe() })

	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "a"))))
	msgs, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// a long-running batch keeps its messages alive
	require.Eventually(t, func() bool { return d.touches() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Commit(context.Background()))
	after := d.touches()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, d.touches(), "committed messages are not touched")
	finished, _ := d.counts()
	assert.Equal(t, 1, finished)
}

func TestNewConsumerValidatesNames(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Topic: "bad topic", Channel: "ok"}, nil)
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerConfig{Topic: "ok", Channel: ""}, nil)
	assert.Error(t, err)
}

func TestPollBeforeSubscribeFails(t *testing.T) {
	c, err := NewConsumer(ConsumerConfig{Topic: "t", Channel: "c"}, nil)
	require.NoError(t, err)
	_, err = c.Poll(context.Background(), time.Millisecond)
	assert.Error(t, err)
}

func TestPollCommitFinishesMessages(t *testing.T) {
	c := subscribedConsumer(t, 10)
	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "a"))))
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "b"))))

	msgs, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Value))

	require.NoError(t, c.Commit(context.Background()))
	finished, requeued := d.counts()
	assert.Equal(t, 2, finished)
	assert.Equal(t, 0, requeued)
}

func TestPollWithoutCommitRequeuesPreviousBatch(t *testing.T) {
	c := subscribedConsumer(t, 10)
	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "a"))))

	_, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	msgs, err := c.Poll(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, requeued := d.counts()
	assert.Equal(t, 1, requeued)
}

func TestPollDropsUndecodableMessages(t *testing.T) {
	c := subscribedConsumer(t, 10)
	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, []byte("garbage"))))
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "ok"))))

	msgs, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", string(msgs[0].Value))
	finished, _ := d.counts()
	assert.Equal(t, 1, finished)
}

func TestPollRespectsMaxPollRecords(t *testing.T) {
	c := subscribedConsumer(t, 2)
	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "1"))))
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "2"))))
	third := nsqMessage(t, d, encoded(t, "3"))
	go func() { _ = c.HandleMessage(third) }()

	msgs, err := c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestPollTimesOutAndHonoursContext(t *testing.T) {
	c := subscribedConsumer(t, 10)
	msgs, err := c.Poll(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribeRequeuesPending(t *testing.T) {
	c, err := NewConsumer(ConsumerConfig{Topic: "t", Channel: "c"}, nil)
	require.NoError(t, err)
	c.connect = func(*nsq.Consumer) error { return nil }
	require.NoError(t, c.Subscribe(context.Background()))

	d := &fakeDelegate{}
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "a"))))
	_, err = c.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "b"))))

	require.NoError(t, c.Unsubscribe())
	_, requeued := d.counts()
	assert.Equal(t, 2, requeued)

	// late deliveries after unsubscribe go straight back
	require.NoError(t, c.HandleMessage(nsqMessage(t, d, encoded(t, "c"))))
	_, requeued = d.counts()
	assert.Equal(t, 3, requeued)
}

func TestAdminCreateAndDelete(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		if r.URL.Query().Get("topic") == "broken" {
			http.Error(w, `{"message":"INVALID_TOPIC"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	admin := NewAdmin(srv.URL)
	ctx := context.Background()
	require.NoError(t, admin.CreateTopicIfNotExists(ctx, "tb_housekeeper", queue.TopicProperties{"channel": "housekeeper"}))
	require.NoError(t, admin.DeleteTopic(ctx, "tb_housekeeper"))
	err := admin.CreateTopicIfNotExists(ctx, "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_TOPIC")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /topic/create?topic=tb_housekeeper",
		"POST /channel/create?channel=housekeeper&topic=tb_housekeeper",
		"POST /topic/delete?topic=tb_housekeeper",
		"POST /topic/create?topic=broken",
	}, calls)
}

func TestMonitorUpdatesTopicDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats":
			_, _ = w.Write([]byte(`{"topics":[
				{"topic_name":"tb_housekeeper","depth":9,"channels":[{"channel_name":"housekeeper","depth":9,"in_flight_count":2}]},
				{"topic_name":"other","depth":4,"channels":[{"channel_name":"c","depth":4,"in_flight_count":0}]}
			]}`))
		case "/ping":
			_, _ = w.Write([]byte("OK"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	metrics.TopicDepth.Reset()
	admin := NewAdmin(srv.URL)
	require.NoError(t, admin.Ping(context.Background()))

	mon := NewMonitor(admin, time.Second, logging.New("test"), "tb_housekeeper")
	require.NoError(t, mon.Update(context.Background()))

	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.TopicDepth.WithLabelValues("tb_housekeeper", "housekeeper")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.TopicDepth))
}

func TestMonitorReportsBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{"))
	}))
	defer srv.Close()

	mon := NewMonitor(NewAdmin(srv.URL), time.Second, logging.New("test"))
	assert.Error(t, mon.Update(context.Background()))
}
