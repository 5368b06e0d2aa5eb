package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each query selects VIOLATING rows, so an
// empty result set means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_milestone_pointer_bounds",
			SQL: `SELECT id, state, current_milestone, milestone_count FROM escrow_agreements
                  WHERE current_milestone < 0
                     OR current_milestone > milestone_count
                     OR (state = 'completed' AND current_milestone <> milestone_count)
                     OR (state IN ('created','in_progress','disputed') AND current_milestone >= milestone_count)`,
		},
		{
			Name: "O2_approved_implies_completed",
			SQL: `SELECT agreement_id, idx FROM escrow_milestones
                  WHERE approved AND NOT completed`,
		},
		{
			Name: "O3_single_open_dispute",
			SQL: `SELECT agreement_id, COUNT(*) FROM escrow_milestones
                  WHERE disputed
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_dispute_flag_matches_state",
			SQL: `SELECT m.agreement_id, m.idx FROM escrow_milestones m
                  JOIN escrow_agreements a ON a.id = m.agreement_id
                  WHERE m.disputed AND (a.state <> 'disputed' OR m.idx <> a.current_milestone)
                  UNION ALL
                  SELECT a.id, a.current_milestone FROM escrow_agreements a
                  WHERE a.state = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM escrow_milestones m
                                    WHERE m.agreement_id = a.id AND m.idx = a.current_milestone AND m.disputed)`,
		},
		{
			Name: "O5_timeline_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE COALESCE(prev, 0) <> seq - 1`,
		},
		{
			Name: "O6_custody_conservation",
			SQL: `SELECT ag.id, ag.state, acc.balance FROM escrow_agreements ag
                  JOIN accounts acc ON acc.id = 'escrow:' || ag.id
                  WHERE CASE
                      WHEN ag.state = 'created' THEN
                          acc.balance <> ag.total_fee
                      WHEN ag.state IN ('in_progress','disputed') THEN
                          acc.balance <> ag.total_fee + ag.required_stake + ag.dispute_pot
                                         - ag.current_milestone * (ag.total_fee / ag.milestone_count)
                      ELSE
                          acc.balance NOT IN (0, ag.required_stake + ag.dispute_pot + ag.total_fee % ag.milestone_count)
                  END`,
		},
		{
			Name: "O7_outbox_liveness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE (status = 'pending' AND now() - created_at > interval '5 minutes')
                     OR (status = 'pending' AND attempts >= 5)`,
		},
		{
			Name: "O8_completed_means_all_milestones_done",
			SQL: `SELECT ag.id FROM escrow_agreements ag
                  WHERE ag.state = 'completed'
                    AND EXISTS (SELECT 1 FROM escrow_milestones m
                                WHERE m.agreement_id = ag.id AND NOT m.completed)`,
		},
		{
			Name: "O9_timeline_append_only_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_timeline')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
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
	}
	return "", "", nil
}
