package postgresql

import (
	"context"
	"errors"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func (p *PostgreSQL) GetStats(ctx context.Context) (*store.Stats, error) {
	ctx, span := tracing.StartTracing(ctx, "GetStats", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT
			(SELECT COUNT(*) FROM deposit_requests r
				WHERE NOT r.expired AND r.orphaned_at_height = 0
				AND NOT EXISTS (SELECT 1 FROM settlement_transactions st WHERE st.request_key = r.request_key)),
			(SELECT COUNT(*) FROM withdrawal_requests r
				WHERE NOT r.expired AND r.orphaned_at_height = 0
				AND NOT EXISTS (SELECT 1 FROM settlement_transactions st WHERE st.request_key = r.request_key)),
			(SELECT COUNT(*) FROM signer_votes),
			(SELECT COALESCE(MAX(activated_at_height), 0) FROM key_epochs WHERE state = $1)
	`

	stats := &store.Stats{}
	err := p.db.QueryRowContext(ctx, q, store.EpochActive).Scan(
		&stats.OpenDeposits,
		&stats.OpenWithdrawals,
		&stats.PendingVotes,
		&stats.ActiveEpochHeight,
	)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	return stats, nil
}
