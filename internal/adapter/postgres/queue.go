package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// queueChannel is the LISTEN/NOTIFY channel used to wake blocked consumers.
// The payload is the queue name.
const queueChannel = "chimera_work_queue"

// Queue implements workqueue.Queue on the queue_items table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent consumers never receive the same row;
// an empty queue is waited on with LISTEN instead of polling.
type Queue struct {
	pool *pgxpool.Pool
	name string
}

// NewQueue binds a queue to the given name.
func NewQueue(pool *pgxpool.Pool, name string) *Queue {
	return &Queue{pool: pool, name: name}
}

func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	_, err := q.pool.Exec(ctx,
		`WITH ins AS (
			INSERT INTO queue_items (queue, task_id) VALUES ($1, $2)
			ON CONFLICT (queue, task_id) DO NOTHING
			RETURNING 1
		 )
		 SELECT pg_notify($3, $1) FROM ins`,
		q.name, taskID, queueChannel)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (workqueue.Claim, error) {
	c, ok, err := q.claim(ctx, q.pool)
	if err != nil || ok {
		return c, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := q.pool.Acquire(waitCtx)
	if err != nil {
		return workqueue.Claim{}, q.waitErr(ctx, err)
	}
	defer q.releaseListener(conn)

	if _, err := conn.Exec(waitCtx, "LISTEN "+queueChannel); err != nil {
		return workqueue.Claim{}, q.waitErr(ctx, err)
	}

	for {
		// Re-check after LISTEN so an enqueue between the first claim and
		// LISTEN is not missed.
		c, ok, err := q.claim(waitCtx, conn)
		if err != nil {
			return workqueue.Claim{}, q.waitErr(ctx, err)
		}
		if ok {
			return c, nil
		}
		n, err := conn.Conn().WaitForNotification(waitCtx)
		if err != nil {
			return workqueue.Claim{}, q.waitErr(ctx, err)
		}
		_ = n // any notification may free a row for this queue; try again
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (q *Queue) claim(ctx context.Context, db querier) (workqueue.Claim, bool, error) {
	var c workqueue.Claim
	err := db.QueryRow(ctx,
		`UPDATE queue_items SET state = 'in_flight', claimed_at = now()
		 WHERE (queue, task_id) = (
			SELECT queue, task_id FROM queue_items
			WHERE queue = $1 AND state = 'pending'
			ORDER BY seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING task_id, claimed_at, attempts`, q.name,
	).Scan(&c.TaskID, &c.ClaimedAt, &c.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("claim from %s: %w", q.name, err)
	}
	return c, true, nil
}

// waitErr maps a failure while waiting: the caller's cancellation wins, an
// expired wait is ErrEmpty, anything else is returned as is.
func (q *Queue) waitErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return workqueue.ErrEmpty
	}
	return fmt.Errorf("dequeue from %s: %w", q.name, err)
}

func (q *Queue) releaseListener(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.Exec(ctx, "UNLISTEN "+queueChannel)
		cancel()
	}
	conn.Release()
}

func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	return q.release(ctx, taskID, 0)
}

func (q *Queue) Abandon(ctx context.Context, taskID string) error {
	return q.release(ctx, taskID, 1)
}

// release moves an in-flight row to the tail of pending and wakes consumers
// in one statement.
func (q *Queue) release(ctx context.Context, taskID string, addAttempts int) error {
	var released int
	err := q.pool.QueryRow(ctx,
		`WITH upd AS (
			UPDATE queue_items
			SET state = 'pending', seq = nextval('queue_items_seq'), claimed_at = NULL, attempts = attempts + $3
			WHERE queue = $1 AND task_id = $2 AND state = 'in_flight'
			RETURNING 1
		 )
		 SELECT count(*) FROM (SELECT pg_notify($4, $1) FROM upd) AS notified`,
		q.name, taskID, addAttempts, queueChannel,
	).Scan(&released)
	if err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	if released == 0 {
		return fmt.Errorf("release %s: %w", taskID, workqueue.ErrNotInFlight)
	}
	return nil
}

func (q *Queue) Acknowledge(ctx context.Context, taskID string) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM queue_items WHERE queue = $1 AND task_id = $2 AND state = 'in_flight'`,
		q.name, taskID)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("acknowledge %s: %w", taskID, workqueue.ErrNotInFlight)
	}
	return nil
}

func (q *Queue) InFlight(ctx context.Context) ([]workqueue.Claim, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT task_id, claimed_at, attempts FROM queue_items
		 WHERE queue = $1 AND state = 'in_flight'
		 ORDER BY claimed_at, seq`, q.name)
	if err != nil {
		return nil, fmt.Errorf("list in-flight: %w", err)
	}
	defer rows.Close()

	claims := []workqueue.Claim{}
	for rows.Next() {
		var c workqueue.Claim
		if err := rows.Scan(&c.TaskID, &c.ClaimedAt, &c.Attempts); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func (q *Queue) Depth(ctx context.Context) (workqueue.Depth, error) {
	var d workqueue.Depth
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE state = 'pending'),
		        count(*) FILTER (WHERE state = 'in_flight')
		 FROM queue_items WHERE queue = $1`, q.name,
	).Scan(&d.Pending, &d.InFlight)
	if err != nil {
		return d, fmt.Errorf("queue depth: %w", err)
	}
	return d, nil
}
