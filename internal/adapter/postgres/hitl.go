package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HITLRegistry implements hitl.Registry on the hitl_members table.
type HITLRegistry struct {
	pool *pgxpool.Pool
}

// NewHITLRegistry creates a registry backed by pool.
func NewHITLRegistry(pool *pgxpool.Pool) *HITLRegistry {
	return &HITLRegistry{pool: pool}
}

func (r *HITLRegistry) Add(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO hitl_members (task_id) VALUES ($1) ON CONFLICT (task_id) DO NOTHING`, taskID)
	if err != nil {
		return fmt.Errorf("add hitl member %s: %w", taskID, err)
	}
	return nil
}

func (r *HITLRegistry) Remove(ctx context.Context, taskID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM hitl_members WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("remove hitl member %s: %w", taskID, err)
	}
	return nil
}

func (r *HITLRegistry) List(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT task_id FROM hitl_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list hitl members: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan hitl member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
