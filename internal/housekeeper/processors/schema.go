package processors

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/austindbirch/harbor_queue/internal/housekeeper"
)

//go:embed schema.sql
var Schema string

// EnsureSchema creates the tables the processors, the token validator and the
// failure notifier read and write
func EnsureSchema(ctx context.Context, db housekeeper.Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
