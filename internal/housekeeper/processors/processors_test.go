package processors

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_queue/internal/housekeeper"
	"github.com/austindbirch/harbor_queue/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []call
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("DELETE 2"), nil
}

func TestAllCoversEveryTaskType(t *testing.T) {
	registry, err := housekeeper.NewRegistry(All(&fakeDB{}, nil)...)
	require.NoError(t, err)
	assert.ElementsMatch(t, housekeeper.TaskTypes(), registry.Types())
}

func TestProcessorStatements(t *testing.T) {
	entity := uuid.New()
	tenant := uuid.New()

	tests := []struct {
		name      string
		task      housekeeper.Task
		wantSQL   []string
		wantArgs  []any
		wantError string
	}{
		{
			name:     "latest ts by key",
			task:     housekeeper.Task{Type: housekeeper.DeleteLatestTs, EntityID: entity.String(), Key: "temperature"},
			wantSQL:  []string{"DELETE FROM ts_kv_latest WHERE entity_id = $1 AND key = $2"},
			wantArgs: []any{entity, "temperature"},
		},
		{
			name: "telemetry clears latest and history",
			task: housekeeper.Task{Type: housekeeper.DeleteTelemetry, EntityID: entity.String()},
			wantSQL: []string{
				"DELETE FROM ts_kv_latest WHERE entity_id = $1",
				"DELETE FROM ts_kv WHERE entity_id = $1",
			},
			wantArgs: []any{entity},
		},
		{
			name:     "unassign alarms",
			task:     housekeeper.Task{Type: housekeeper.UnassignAlarms, EntityID: entity.String()},
			wantSQL:  []string{"UPDATE alarm SET assignee_id = NULL, assign_ts = 0 WHERE assignee_id = $1"},
			wantArgs: []any{entity},
		},
		{
			name:     "tenant devices",
			task:     housekeeper.Task{Type: housekeeper.DeleteTenantEntities, TenantID: tenant.String(), EntityType: "DEVICE"},
			wantSQL:  []string{"DELETE FROM device WHERE tenant_id = $1"},
			wantArgs: []any{tenant},
		},
		{
			name:      "history requires key",
			task:      housekeeper.Task{Type: housekeeper.DeleteTsHistory, EntityID: entity.String()},
			wantError: "requires a key",
		},
		{
			name:      "bad entity id",
			task:      housekeeper.Task{Type: housekeeper.DeleteAttributes, EntityID: "not-a-uuid"},
			wantError: "invalid entity id",
		},
		{
			name:      "unsupported tenant entity type",
			task:      housekeeper.Task{Type: housekeeper.DeleteTenantEntities, TenantID: tenant.String(), EntityType: "WIDGET"},
			wantError: "unsupported entity type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{}
			registry, err := housekeeper.NewRegistry(All(db, nil)...)
			require.NoError(t, err)
			proc, err := registry.Lookup(tt.task.Type)
			require.NoError(t, err)

			err = proc.Process(context.Background(), tt.task)
			if tt.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantError)
				assert.Empty(t, db.calls)
				return
			}
			require.NoError(t, err)
			require.Len(t, db.calls, len(tt.wantSQL))
			for i, c := range db.calls {
				assert.Equal(t, tt.wantSQL[i], c.sql)
				assert.Equal(t, tt.wantArgs, c.args)
			}
		})
	}
}

func TestProcessorWrapsDatabaseErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	registry, err := housekeeper.NewRegistry(All(db, nil)...)
	require.NoError(t, err)
	proc, err := registry.Lookup(housekeeper.DeleteEvents)
	require.NoError(t, err)

	err = proc.Process(context.Background(), housekeeper.Task{Type: housekeeper.DeleteEvents, EntityID: uuid.NewString()})
	require.ErrorIs(t, err, db.err)
	assert.True(t, strings.HasPrefix(err.Error(), "events deletion: "))
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureSchema(context.Background(), db))
	require.Len(t, db.calls, 1)
	for _, table := range []string{"housekeeper_failures", "ts_kv_latest", "device_credentials"} {
		assert.Contains(t, db.calls[0].sql, table)
	}
}
