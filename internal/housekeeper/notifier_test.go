package housekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue/memory"
)

func TestNewFailureNotification(t *testing.T) {
	tests := []struct {
		name string
		task Task
		err  error
		want string
	}{
		{
			name: "complete task",
			task: Task{Type: DeleteLatestTs, TenantID: "tenant-1", EntityType: "DEVICE", EntityID: "dev-1", Key: "temp", Attempt: 3},
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "long error is truncated",
			task: Task{Type: DeleteEvents},
			err:  errors.New(strings.Repeat("x", 2000)),
			want: strings.Repeat("x", MaxErrorLength),
		},
		{
			name: "nil error",
			task: Task{Type: DeleteAlarms},
			want: "unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			n := NewFailureNotification(tt.task, tt.err)

			if n.Type != FailureNotificationType {
				t.Errorf("NewFailureNotification() Type = %q, want %q", n.Type, FailureNotificationType)
			}
			if n.Version != "v1" {
				t.Errorf("NewFailureNotification() Version = %q, want v1", n.Version)
			}
			at, err := time.Parse(time.RFC3339Nano, n.At)
			if err != nil {
				t.Fatalf("NewFailureNotification() At = %q is not RFC3339: %v", n.At, err)
			}
			if at.Before(before) {
				t.Errorf("NewFailureNotification() At = %v, too early", at)
			}
			if n.Error != tt.want {
				t.Errorf("NewFailureNotification() Error length = %d, want %d", len(n.Error), len(tt.want))
			}
			if n.Attempt != tt.task.Attempt {
				t.Errorf("NewFailureNotification() Attempt = %d, want %d", n.Attempt, tt.task.Attempt)
			}
			if n.Description != "Failed to process "+tt.task.Description() {
				t.Errorf("NewFailureNotification() Description = %q", n.Description)
			}
		})
	}
}

func TestTopicNotifierPublishesJSON(t *testing.T) {
	storage := memory.NewStorage(1)
	c := memory.NewConsumer(storage, "tb_housekeeper.failures", "ops", 0)
	require.NoError(t, c.Subscribe(context.Background()))

	n := NewFailureNotification(Task{Type: DeleteTelemetry, TenantID: "t1", Attempt: 2}, errors.New("boom"))
	require.NoError(t, NewTopicNotifier(memory.NewProducer(storage, ""), "tb_housekeeper.failures").Notify(context.Background(), n))

	msgs, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var got FailureNotification
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, n, got)
}

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPgNotifier(t *testing.T) {
	db := &fakeExecer{}
	n := NewFailureNotification(Task{Type: DeleteAlarms, TenantID: "t1", Attempt: 5}, errors.New("deadlock"))
	require.NoError(t, NewPgNotifier(db).Notify(context.Background(), n))

	assert.Contains(t, db.sql, "INSERT INTO housekeeper_failures")
	require.Len(t, db.args, 7)
	assert.Equal(t, "t1", db.args[0])
	assert.Equal(t, "DELETE_ALARMS", db.args[1])
	assert.Equal(t, "deadlock", db.args[3])
	assert.Equal(t, 5, db.args[4])

	db.err = errors.New("relation does not exist")
	err := NewPgNotifier(db).Notify(context.Background(), n)
	assert.ErrorContains(t, err, "relation does not exist")
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, FailureNotification) error { return f.err }

func TestMultiNotifier(t *testing.T) {
	rec := &recordingNotifier{}
	errA := errors.New("sink a down")
	m := MultiNotifier{failingNotifier{errA}, rec, NewLogNotifier(logging.New("test"))}

	err := m.Notify(context.Background(), NewFailureNotification(Task{Type: DeleteEvents}, nil))
	assert.ErrorIs(t, err, errA)
	assert.Len(t, rec.all(), 1)

	assert.NoError(t, MultiNotifier{rec}.Notify(context.Background(), FailureNotification{}))
}
