package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Params carries run-specific values some oracles compare against.
type Params struct {
	Vault  string
	Supply int64
}

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns every invariant query. A query that yields a row has found a
// violation; the first row is reported.
func All(p Params) []Oracle {
	return []Oracle{
		{
			Name: "O1_vault_covers_locked",
			SQL: `SELECT v.balance, l.locked FROM
                      (SELECT COALESCE((SELECT balance FROM accounts WHERE principal = $1), 0) AS balance) v,
                      (SELECT COALESCE(SUM(amount), 0) AS locked FROM escrows WHERE status = 'locked') l
                  WHERE v.balance <> l.locked`,
			Args: []any{p.Vault},
		},
		{
			Name: "O2_supply_conserved",
			SQL:  `SELECT total FROM (SELECT COALESCE(SUM(balance), 0) AS total FROM accounts) t WHERE total <> $1`,
			Args: []any{p.Supply},
		},
		{
			Name: "O3_dense_ids",
			SQL: `SELECT c.last_id, s.n, s.max_id FROM escrow_counter c,
                      (SELECT COUNT(*) AS n, COALESCE(MAX(id), 0) AS max_id FROM escrows) s
                  WHERE c.last_id <> s.n OR c.last_id <> s.max_id`,
		},
		{
			Name: "O4_single_init_event",
			SQL: `SELECT e.id, COUNT(o.id) FROM escrows e
                  LEFT JOIN outbox o ON o.escrow_id = e.id AND o.kind = 'escrow_initialized'
                  GROUP BY e.id HAVING COUNT(o.id) <> 1`,
		},
		{
			Name: "O5_single_payout",
			SQL: `SELECT e.id, e.status, COUNT(o.id) FROM escrows e
                  LEFT JOIN outbox o ON o.escrow_id = e.id AND o.kind IN ('payment_transferred', 'learner_refunded')
                  GROUP BY e.id, e.status
                  HAVING (e.status = 'locked' AND COUNT(o.id) <> 0)
                      OR (e.status <> 'locked' AND COUNT(o.id) <> 1)`,
		},
		{
			Name: "O6_payout_matches_status",
			SQL: `SELECT e.id, e.status, o.kind FROM escrows e
                  JOIN outbox o ON o.escrow_id = e.id
                  WHERE (o.kind = 'payment_transferred' AND e.status <> 'released')
                     OR (o.kind = 'learner_refunded' AND e.status <> 'refunded')`,
		},
		{
			Name: "O7_completion_recorded_once",
			SQL: `SELECT e.id, e.completed, COUNT(o.id) FROM escrows e
                  LEFT JOIN outbox o ON o.escrow_id = e.id AND o.kind = 'course_marked_completed'
                  GROUP BY e.id, e.completed
                  HAVING COUNT(o.id) <> CASE WHEN e.completed THEN 1 ELSE 0 END`,
		},
		{
			Name: "O8_escrow_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrows')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, p Params) (string, string, error) {
	for _, o := range All(p) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
