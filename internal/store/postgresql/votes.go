package postgresql

import (
	"context"
	"errors"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func (p *PostgreSQL) UpsertVote(ctx context.Context, vote *store.SignerVote) error {
	ctx, span := tracing.StartTracing(ctx, "UpsertVote", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO signer_votes (request_key, signer_pub_key, accepted, aggregate_key, cast_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_key, signer_pub_key) DO UPDATE SET
			accepted = EXCLUDED.accepted,
			aggregate_key = EXCLUDED.aggregate_key,
			cast_at = EXCLUDED.cast_at
	`

	castAt := vote.CastAt
	if castAt.IsZero() {
		castAt = p.now()
	}

	_, err := p.db.ExecContext(ctx, q,
		vote.Request.Key(),
		vote.SignerPubKey,
		vote.Accepted,
		vote.AggregateKey,
		castAt,
	)
	if err != nil {
		return errors.Join(store.ErrFailedToUpsertVote, err)
	}
	return nil
}

func (p *PostgreSQL) GetVotes(ctx context.Context, key store.RequestKey) ([]*store.SignerVote, error) {
	ctx, span := tracing.StartTracing(ctx, "GetVotes", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT signer_pub_key, accepted, aggregate_key, cast_at
		FROM signer_votes
		WHERE request_key = $1
		ORDER BY signer_pub_key
	`

	rows, err := p.db.QueryContext(ctx, q, key.Key())
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var votes []*store.SignerVote
	for rows.Next() {
		vote := &store.SignerVote{Request: key}
		err = rows.Scan(&vote.SignerPubKey, &vote.Accepted, &vote.AggregateKey, &vote.CastAt)
		if err != nil {
			return nil, err
		}
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}
