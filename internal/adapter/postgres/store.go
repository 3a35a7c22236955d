package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Tasks ---

const taskColumns = `id, goal_id, type, status, input, output, dependencies, version, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	input := t.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	deps := task.NormalizeDependencies(t.Dependencies)

	err := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, goal_id, type, input, dependencies)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING status, version, created_at, updated_at`,
		t.ID, t.GoalID, string(t.Type), []byte(input), pgTextArray(deps),
	).Scan(&t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return insertWrap(err, "create task %s", t.ID)
	}
	t.Input = input
	t.Dependencies = deps
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

// CompareAndSwap is a single UPDATE guarded by the version predicate. The
// follow-up existence check only runs when nothing matched, to tell a stale
// version apart from an unknown id.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int, status task.Status, output *task.Output) (bool, error) {
	var outputJSON []byte
	if output != nil {
		var err error
		if outputJSON, err = json.Marshal(output); err != nil {
			return false, fmt.Errorf("marshal output: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, output = $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion, string(status), outputJSON)
	if err != nil {
		return false, fmt.Errorf("cas task %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("cas task %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("cas task %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func (s *Store) ListTasksByGoal(ctx context.Context, goalID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE goal_id = $1 ORDER BY seq`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for goal %s: %w", goalID, err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (task.Task, error) {
	var (
		t          task.Task
		input      []byte
		outputJSON []byte
	)
	err := row.Scan(&t.ID, &t.GoalID, &t.Type, &t.Status, &input, &outputJSON,
		&t.Dependencies, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Input = input
	if outputJSON != nil {
		t.Output = &task.Output{}
		if err := json.Unmarshal(outputJSON, t.Output); err != nil {
			return t, fmt.Errorf("unmarshal output of task %s: %w", t.ID, err)
		}
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	return t, nil
}

// --- Goals ---

const goalColumns = `id, description, persona_id, budget::text, priority, status, version, created_at, updated_at`

func (s *Store) CreateGoal(ctx context.Context, g *goal.Goal) error {
	status := g.Status
	if status == "" {
		status = goal.StatusPending
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO goals (id, description, persona_id, budget, priority, status)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6)
		 RETURNING version, created_at, updated_at`,
		g.ID, g.Description, g.PersonaID, g.Budget.String(), g.Priority, string(status),
	).Scan(&g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return insertWrap(err, "create goal %s", g.ID)
	}
	g.Status = status
	return nil
}

func (s *Store) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id)
	g, err := scanGoal(row)
	if err != nil {
		return nil, notFoundWrap(err, "get goal %s", id)
	}
	return &g, nil
}

func (s *Store) UpdateGoalStatus(ctx context.Context, id string, expectedVersion int, status goal.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE goals SET status = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion, string(status))
	if err != nil {
		return false, fmt.Errorf("update goal %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM goals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("update goal %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("update goal %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func scanGoal(row scannable) (goal.Goal, error) {
	var (
		g      goal.Goal
		budget string
	)
	if err := row.Scan(&g.ID, &g.Description, &g.PersonaID, &budget, &g.Priority,
		&g.Status, &g.Version, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return g, err
	}
	b, err := parseNumeric(budget)
	if err != nil {
		return g, err
	}
	g.Budget = b
	return g, nil
}
