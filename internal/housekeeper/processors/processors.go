// Package processors holds the Postgres-backed housekeeper task processors.
package processors

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_queue/internal/housekeeper"
	"github.com/austindbirch/harbor_queue/internal/logging"
)

// sqlProcessor runs a fixed list of idempotent statements for one task type.
type sqlProcessor struct {
	taskType   housekeeper.TaskType
	statements []string
	args       func(housekeeper.Task) ([]any, error)
	db         housekeeper.Execer
	logger     *logging.Logger
}

func (p *sqlProcessor) TaskType() housekeeper.TaskType { return p.taskType }

func (p *sqlProcessor) Process(ctx context.Context, task housekeeper.Task) error {
	args, err := p.args(task)
	if err != nil {
		return err
	}
	var affected int64
	for _, stmt := range p.statements {
		tag, err := p.db.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", p.taskType.Description(), err)
		}
		affected += tag.RowsAffected()
	}
	p.logger.WithContext(ctx).WithTenant(task.TenantID).WithTaskType(string(task.Type)).
		WithField("rows", affected).Debugf("completed %s", task.Description())
	return nil
}

func entityArgs(task housekeeper.Task) ([]any, error) {
	id, err := uuid.Parse(task.EntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid entity id %q: %w", task.EntityID, err)
	}
	return []any{id}, nil
}

func entityKeyArgs(task housekeeper.Task) ([]any, error) {
	args, err := entityArgs(task)
	if err != nil {
		return nil, err
	}
	if task.Key == "" {
		return nil, fmt.Errorf("%s requires a key", task.Type)
	}
	return append(args, task.Key), nil
}

func tenantEntityArgs(task housekeeper.Task) ([]any, error) {
	tenant, err := uuid.Parse(task.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id %q: %w", task.TenantID, err)
	}
	table, ok := entityTables[task.EntityType]
	if !ok {
		return nil, fmt.Errorf("unsupported entity type %q", task.EntityType)
	}
	return []any{tenant, table}, nil
}

// entityTables maps entity types to the table holding them
var entityTables = map[string]string{
	"DEVICE":    "device",
	"ASSET":     "asset",
	"CUSTOMER":  "customer",
	"USER":      "tb_user",
	"DASHBOARD": "dashboard",
}

// All returns a processor for every task type, backed by db
func All(db housekeeper.Execer, logger *logging.Logger) []housekeeper.Processor {
	if logger == nil {
		logger = logging.New("housekeeper-processors")
	}
	mk := func(t housekeeper.TaskType, args func(housekeeper.Task) ([]any, error), stmts ...string) housekeeper.Processor {
		return &sqlProcessor{taskType: t, statements: stmts, args: args, db: db, logger: logger}
	}
	return []housekeeper.Processor{
		mk(housekeeper.DeleteAttributes, entityArgs,
			`DELETE FROM attribute_kv WHERE entity_id = $1`),
		mk(housekeeper.DeleteTelemetry, entityArgs,
			`DELETE FROM ts_kv_latest WHERE entity_id = $1`,
			`DELETE FROM ts_kv WHERE entity_id = $1`),
		mk(housekeeper.DeleteLatestTs, entityKeyArgs,
			`DELETE FROM ts_kv_latest WHERE entity_id = $1 AND key = $2`),
		mk(housekeeper.DeleteTsHistory, entityKeyArgs,
			`DELETE FROM ts_kv WHERE entity_id = $1 AND key = $2`),
		mk(housekeeper.DeleteEvents, entityArgs,
			`DELETE FROM event WHERE entity_id = $1`),
		mk(housekeeper.UnassignAlarms, entityArgs,
			`UPDATE alarm SET assignee_id = NULL, assign_ts = 0 WHERE assignee_id = $1`),
		mk(housekeeper.DeleteAlarms, entityArgs,
			`DELETE FROM alarm WHERE originator_id = $1`),
		&tenantEntitiesProcessor{db: db, logger: logger},
		mk(housekeeper.DeleteEntities, entityArgs,
			`DELETE FROM relation WHERE from_id = $1 OR to_id = $1`,
			`DELETE FROM entity WHERE id = $1`),
	}
}

// tenantEntitiesProcessor deletes every entity of one type owned by a tenant. The
// table name comes from a fixed allow-list, never from task input.
type tenantEntitiesProcessor struct {
	db     housekeeper.Execer
	logger *logging.Logger
}

func (p *tenantEntitiesProcessor) TaskType() housekeeper.TaskType {
	return housekeeper.DeleteTenantEntities
}

func (p *tenantEntitiesProcessor) Process(ctx context.Context, task housekeeper.Task) error {
	args, err := tenantEntityArgs(task)
	if err != nil {
		return err
	}
	tenant, table := args[0], args[1].(string)
	tag, err := p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1`, table), tenant)
	if err != nil {
		return fmt.Errorf("%s: %w", housekeeper.DeleteTenantEntities.Description(), err)
	}
	p.logger.WithContext(ctx).WithTenant(task.TenantID).WithTaskType(string(task.Type)).
		WithField("rows", tag.RowsAffected()).Debugf("deleted %s entities of tenant", task.EntityType)
	return nil
}
