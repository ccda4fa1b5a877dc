package housekeeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used for writes
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgNotifier stores notifications in the housekeeper_failures table.
type PgNotifier struct {
	db Execer
}

func NewPgNotifier(db Execer) *PgNotifier {
	return &PgNotifier{db: db}
}

func (p *PgNotifier) Notify(ctx context.Context, n FailureNotification) error {
	task, err := json.Marshal(n.Task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO housekeeper_failures (tenant_id, task_type, description, error, attempt, task, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.TenantID, n.TaskType, n.Description, n.Error, n.Attempt, task, n.At)
	if err != nil {
		return fmt.Errorf("insert housekeeper failure: %w", err)
	}
	return nil
}
