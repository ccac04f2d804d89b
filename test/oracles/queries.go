package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one SQL invariant over the settlement schema. A passing oracle
// returns zero rows; any row is a violation.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_release_requires_both_confirmations",
			SQL: `SELECT invoice_id FROM escrows
                  WHERE state = 'released'
                    AND NOT (seller_confirmed AND buyer_confirmed)`,
		},
		{
			Name: "O2_terminal_states_have_no_open_dispute",
			SQL: `SELECT invoice_id FROM escrows
                  WHERE state IN ('released','resolved') AND dispute_raised`,
		},
		{
			Name: "O3_disputed_state_matches_flag",
			SQL: `SELECT invoice_id FROM escrows
                  WHERE state = 'disputed' AND NOT dispute_raised`,
		},
		{
			Name: "O4_resolved_records_name_resolver",
			SQL: `SELECT invoice_id FROM escrows
                  WHERE state = 'resolved' AND dispute_resolver = ''`,
		},
		{
			Name: "O5_state_in_machine",
			SQL: `SELECT invoice_id, state FROM escrows
                  WHERE state NOT IN ('created','deposited','released','disputed','resolved')`,
		},
		{
			Name: "O6_single_resolution_event",
			SQL: `SELECT invoice_id, COUNT(*) FROM escrow_events
                  WHERE type = 'escrow.dispute_resolved'
                  GROUP BY invoice_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_deposit_event",
			SQL: `SELECT invoice_id, COUNT(*) FROM escrow_events
                  WHERE type = 'escrow.deposited'
                  GROUP BY invoice_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_nonce_counters_nonnegative",
			SQL:  `SELECT principal, next_nonce FROM nonce_records WHERE next_nonce < 0`,
		},
		{
			Name: "O9_spend_costs_nonnegative",
			SQL:  `SELECT id FROM relay_spend WHERE gas_cost < 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
