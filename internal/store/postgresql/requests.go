package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func (p *PostgreSQL) UpsertDeposit(ctx context.Context, req *store.DepositRequest) (bool, error) {
	ctx, span := tracing.StartTracing(ctx, "UpsertDeposit", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO deposit_requests (txid, output_index, request_key, spend_script, reclaim_script,
			recipient, amount, max_fee, sender_addresses, observed_block, observed_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (txid, output_index) DO UPDATE SET
			observed_block = EXCLUDED.observed_block,
			observed_height = EXCLUDED.observed_height,
			orphaned_at_height = 0
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := p.db.QueryRowContext(ctx, q,
		req.Outpoint.Txid[:],
		req.Outpoint.OutputIndex,
		req.Outpoint.Key(),
		req.SpendScript,
		req.ReclaimScript,
		req.Recipient,
		req.Amount,
		req.MaxFee,
		pq.Array(req.SenderAddresses),
		req.ObservedInBlock[:],
		req.ObservedAtHeight,
	).Scan(&inserted)
	if err != nil {
		return false, errors.Join(store.ErrFailedToInsertRequest, err)
	}
	return inserted, nil
}

func (p *PostgreSQL) UpsertWithdrawal(ctx context.Context, req *store.WithdrawalRequest) (bool, error) {
	ctx, span := tracing.StartTracing(ctx, "UpsertWithdrawal", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO withdrawal_requests (request_id, stacks_block_hash, request_key,
			recipient, amount, max_fee, sender, observed_block, observed_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id, stacks_block_hash) DO UPDATE SET
			observed_block = EXCLUDED.observed_block,
			observed_height = EXCLUDED.observed_height,
			orphaned_at_height = 0
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := p.db.QueryRowContext(ctx, q,
		req.Ref.RequestID,
		req.Ref.StacksBlockHash[:],
		req.Ref.Key(),
		req.Recipient,
		req.Amount,
		req.MaxFee,
		req.Sender,
		req.ObservedInBlock[:],
		req.ObservedAtHeight,
	).Scan(&inserted)
	if err != nil {
		return false, errors.Join(store.ErrFailedToInsertRequest, err)
	}
	return inserted, nil
}

func (p *PostgreSQL) GetDeposit(ctx context.Context, outpoint store.DepositOutpoint) (*store.DepositRequest, error) {
	ctx, span := tracing.StartTracing(ctx, "GetDeposit", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT spend_script, reclaim_script, recipient, amount, max_fee, sender_addresses,
			observed_block, observed_height, orphaned_at_height, expired
		FROM deposit_requests
		WHERE txid = $1 AND output_index = $2
	`

	req := &store.DepositRequest{Outpoint: outpoint}
	var observedBlock []byte
	var senders pq.StringArray

	err := p.db.QueryRowContext(ctx, q, outpoint.Txid[:], outpoint.OutputIndex).Scan(
		&req.SpendScript,
		&req.ReclaimScript,
		&req.Recipient,
		&req.Amount,
		&req.MaxFee,
		&senders,
		&observedBlock,
		&req.ObservedAtHeight,
		&req.OrphanedAtHeight,
		&req.Expired,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}

	req.SenderAddresses = senders
	h, err := chainhash.NewHash(observedBlock)
	if err != nil {
		return nil, err
	}
	req.ObservedInBlock = *h
	return req, nil
}

func (p *PostgreSQL) GetWithdrawal(ctx context.Context, ref store.WithdrawalRef) (*store.WithdrawalRequest, error) {
	ctx, span := tracing.StartTracing(ctx, "GetWithdrawal", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT recipient, amount, max_fee, sender,
			observed_block, observed_height, orphaned_at_height, expired
		FROM withdrawal_requests
		WHERE request_id = $1 AND stacks_block_hash = $2
	`

	req := &store.WithdrawalRequest{Ref: ref}
	var observedBlock []byte

	err := p.db.QueryRowContext(ctx, q, ref.RequestID, ref.StacksBlockHash[:]).Scan(
		&req.Recipient,
		&req.Amount,
		&req.MaxFee,
		&req.Sender,
		&observedBlock,
		&req.ObservedAtHeight,
		&req.OrphanedAtHeight,
		&req.Expired,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}

	h, err := chainhash.NewHash(observedBlock)
	if err != nil {
		return nil, err
	}
	req.ObservedInBlock = *h
	return req, nil
}

// DeleteRequest removes a request row and cascades to its votes in one
// transaction. The vote cascade is explicit because request_key spans two
// tables.
func (p *PostgreSQL) DeleteRequest(ctx context.Context, key store.RequestKey) error {
	ctx, span := tracing.StartTracing(ctx, "DeleteRequest", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint: errcheck

	var q string
	switch key.Kind() {
	case store.KindDeposit:
		q = `DELETE FROM deposit_requests WHERE request_key = $1`
	case store.KindWithdrawal:
		q = `DELETE FROM withdrawal_requests WHERE request_key = $1`
	}

	_, err = tx.ExecContext(ctx, q, key.Key())
	if err != nil {
		return errors.Join(store.ErrFailedToDeleteRows, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM signer_votes WHERE request_key = $1`, key.Key())
	if err != nil {
		return errors.Join(store.ErrFailedToDeleteRows, err)
	}

	return tx.Commit()
}

func (p *PostgreSQL) MarkRequestExpired(ctx context.Context, key store.RequestKey) error {
	ctx, span := tracing.StartTracing(ctx, "MarkRequestExpired", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `UPDATE deposit_requests SET expired = TRUE WHERE request_key = $1`
	if key.Kind() == store.KindWithdrawal {
		q = `UPDATE withdrawal_requests SET expired = TRUE WHERE request_key = $1`
	}

	res, err := p.db.ExecContext(ctx, q, key.Key())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrRequestNotFound
	}
	return nil
}

func (p *PostgreSQL) MarkRequestsOrphaned(ctx context.Context, chain store.Chain, blocks []*chainhash.Hash, atHeight uint64) ([]store.RequestKey, error) {
	ctx, span := tracing.StartTracing(ctx, "MarkRequestsOrphaned", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		UPDATE deposit_requests
		SET orphaned_at_height = $1
		WHERE observed_block = ANY($2) AND orphaned_at_height = 0
		RETURNING request_key
	`
	if chain == store.ChainStacks {
		q = `
			UPDATE withdrawal_requests
			SET orphaned_at_height = $1
			WHERE observed_block = ANY($2) AND orphaned_at_height = 0
			RETURNING request_key
		`
	}

	rows, err := p.db.QueryContext(ctx, q, atHeight, hashesToBytea(blocks))
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	return scanRequestKeys(rows)
}

func (p *PostgreSQL) ListOrphanedRequests(ctx context.Context, chain store.Chain, orphanedNotAfter uint64) ([]store.RequestKey, error) {
	ctx, span := tracing.StartTracing(ctx, "ListOrphanedRequests", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT request_key FROM deposit_requests
		WHERE orphaned_at_height > 0 AND orphaned_at_height <= $1
	`
	if chain == store.ChainStacks {
		q = `
			SELECT request_key FROM withdrawal_requests
			WHERE orphaned_at_height > 0 AND orphaned_at_height <= $1
		`
	}

	rows, err := p.db.QueryContext(ctx, q, orphanedNotAfter)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	return scanRequestKeys(rows)
}

func (p *PostgreSQL) ListOpenRequests(ctx context.Context, chain store.Chain, sinceHeight uint64, afterKey string, limit int) ([]*store.RequestSummary, error) {
	ctx, span := tracing.StartTracing(ctx, "ListOpenRequests", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	table := "deposit_requests"
	recipientCol := "recipient"
	if chain == store.ChainStacks {
		table = "withdrawal_requests"
		recipientCol = "sender"
	}

	// the cursor restarts the (height, key) ordering after a previous page
	afterHeight := int64(-1)
	if afterKey != "" {
		var h int64
		err := p.db.QueryRowContext(ctx,
			`SELECT observed_height FROM `+table+` WHERE request_key = $1`, afterKey).Scan(&h)
		if err == nil {
			afterHeight = h
		} else {
			afterKey = ""
		}
	}

	q := `
		SELECT r.request_key, r.observed_height, r.amount, r.max_fee, r.` + recipientCol + `
		FROM ` + table + ` r
		WHERE NOT r.expired
		  AND r.orphaned_at_height = 0
		  AND r.observed_height >= $1
		  AND NOT EXISTS (
			SELECT 1 FROM settlement_transactions st WHERE st.request_key = r.request_key
		  )
		  AND ($2 = '' OR (r.observed_height, r.request_key) > ($3, $2))
		ORDER BY r.observed_height, r.request_key
		LIMIT $4
	`

	rows, err := p.db.QueryContext(ctx, q, sinceHeight, afterKey, afterHeight, limit)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*store.RequestSummary
	for rows.Next() {
		var encoded string
		summary := &store.RequestSummary{Chain: chain}
		err = rows.Scan(&encoded, &summary.ObservedHeight, &summary.Amount, &summary.MaxFee, &summary.Recipient)
		if err != nil {
			return nil, err
		}
		summary.Key, err = store.ParseRequestKey(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) ListStaleRequests(ctx context.Context, chain store.Chain, observedNotAfter uint64) ([]store.RequestKey, error) {
	ctx, span := tracing.StartTracing(ctx, "ListStaleRequests", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	table := "deposit_requests"
	if chain == store.ChainStacks {
		table = "withdrawal_requests"
	}

	q := `
		SELECT r.request_key
		FROM ` + table + ` r
		WHERE NOT r.expired
		  AND r.orphaned_at_height = 0
		  AND r.observed_height <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM settlement_transactions st WHERE st.request_key = r.request_key
		  )
	`

	rows, err := p.db.QueryContext(ctx, q, observedNotAfter)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	return scanRequestKeys(rows)
}

func scanRequestKeys(rows *sql.Rows) ([]store.RequestKey, error) {
	var keys []store.RequestKey
	for rows.Next() {
		var encoded string
		err := rows.Scan(&encoded)
		if err != nil {
			return nil, err
		}
		key, err := store.ParseRequestKey(encoded)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
