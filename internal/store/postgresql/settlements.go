package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

// uxSettlementRequestKey is the partial unique index enforcing at most one
// settlement transaction per non-empty request key. Any other unique
// violation on insert is the txid primary key.
const uxSettlementRequestKey = "ux_settlement_transactions_request_key"

func (p *PostgreSQL) InsertSettlementTx(ctx context.Context, tx *store.SettlementTx) error {
	ctx, span := tracing.StartTracing(ctx, "InsertSettlementTx", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO settlement_transactions (txid, kind, request_key, raw)
		VALUES ($1, $2, $3, $4)
	`

	_, err := p.db.ExecContext(ctx, q, tx.Txid[:], tx.Kind, tx.RequestKey, tx.Raw)
	if err != nil {
		if constraint, ok := uniqueViolationConstraint(err); ok {
			if constraint == uxSettlementRequestKey {
				return store.ErrSettlementExists
			}
			return store.ErrTransactionExists
		}
		return errors.Join(store.ErrFailedToInsertSettlement, err)
	}
	return nil
}

func (p *PostgreSQL) GetSettlementTx(ctx context.Context, txid *chainhash.Hash) (*store.SettlementTx, error) {
	ctx, span := tracing.StartTracing(ctx, "GetSettlementTx", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT txid, kind, request_key, raw
		FROM settlement_transactions
		WHERE txid = $1
	`

	return p.scanSettlementTx(p.db.QueryRowContext(ctx, q, txid[:]))
}

func (p *PostgreSQL) GetSettlementTxByRequest(ctx context.Context, key store.RequestKey) (*store.SettlementTx, error) {
	ctx, span := tracing.StartTracing(ctx, "GetSettlementTxByRequest", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT txid, kind, request_key, raw
		FROM settlement_transactions
		WHERE request_key = $1
	`

	return p.scanSettlementTx(p.db.QueryRowContext(ctx, q, key.Key()))
}

func (p *PostgreSQL) scanSettlementTx(row *sql.Row) (*store.SettlementTx, error) {
	tx := &store.SettlementTx{}
	var txid []byte

	err := row.Scan(&txid, &tx.Kind, &tx.RequestKey, &tx.Raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}

	h, err := chainhash.NewHash(txid)
	if err != nil {
		return nil, err
	}
	tx.Txid = *h
	return tx, nil
}

func (p *PostgreSQL) InsertBroadcast(ctx context.Context, b *store.Broadcast) error {
	ctx, span := tracing.StartTracing(ctx, "InsertBroadcast", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO broadcasts (id, txid, broadcast_height, fee_rate, broadcast_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	broadcastAt := b.BroadcastAt
	if broadcastAt.IsZero() {
		broadcastAt = p.now()
	}

	_, err := p.db.ExecContext(ctx, q, b.ID, b.Txid[:], b.BroadcastHeight, b.FeeRate, broadcastAt)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertBroadcast, err)
	}
	return nil
}

func (p *PostgreSQL) ListBroadcasts(ctx context.Context, txid *chainhash.Hash) ([]*store.Broadcast, error) {
	ctx, span := tracing.StartTracing(ctx, "ListBroadcasts", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT id, broadcast_height, fee_rate, broadcast_at
		FROM broadcasts
		WHERE txid = $1
		ORDER BY broadcast_at
	`

	rows, err := p.db.QueryContext(ctx, q, txid[:])
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*store.Broadcast
	for rows.Next() {
		b := &store.Broadcast{Txid: *txid}
		err = rows.Scan(&b.ID, &b.BroadcastHeight, &b.FeeRate, &b.BroadcastAt)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) UpsertConfirmation(ctx context.Context, c *store.Confirmation) error {
	ctx, span := tracing.StartTracing(ctx, "UpsertConfirmation", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO confirmations (txid, chain, block_hash, orphaned_at_height)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (txid, chain) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			orphaned_at_height = 0
	`

	_, err := p.db.ExecContext(ctx, q, c.Txid[:], c.Chain, c.BlockHash[:])
	if err != nil {
		return errors.Join(store.ErrFailedToUpsertConfirmation, err)
	}
	return nil
}

func (p *PostgreSQL) ListConfirmations(ctx context.Context, txid *chainhash.Hash) ([]*store.Confirmation, error) {
	ctx, span := tracing.StartTracing(ctx, "ListConfirmations", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT chain, block_hash, orphaned_at_height
		FROM confirmations
		WHERE txid = $1
		ORDER BY chain
	`

	rows, err := p.db.QueryContext(ctx, q, txid[:])
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*store.Confirmation
	for rows.Next() {
		c := &store.Confirmation{Txid: *txid}
		var blockHash []byte
		err = rows.Scan(&c.Chain, &blockHash, &c.OrphanedAtHeight)
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(blockHash)
		if err != nil {
			return nil, err
		}
		c.BlockHash = *h
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) MarkConfirmationsOrphaned(ctx context.Context, chain store.Chain, blocks []*chainhash.Hash, atHeight uint64) ([]*chainhash.Hash, error) {
	ctx, span := tracing.StartTracing(ctx, "MarkConfirmationsOrphaned", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		UPDATE confirmations
		SET orphaned_at_height = $1
		WHERE chain = $2 AND block_hash = ANY($3) AND orphaned_at_height = 0
		RETURNING txid
	`

	rows, err := p.db.QueryContext(ctx, q, atHeight, chain, hashesToBytea(blocks))
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*chainhash.Hash
	for rows.Next() {
		var txid []byte
		err = rows.Scan(&txid)
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) ListOrphanedConfirmations(ctx context.Context, chain store.Chain, orphanedNotAfter uint64) ([]*store.Confirmation, error) {
	ctx, span := tracing.StartTracing(ctx, "ListOrphanedConfirmations", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT txid, block_hash, orphaned_at_height
		FROM confirmations
		WHERE chain = $1 AND orphaned_at_height > 0 AND orphaned_at_height <= $2
	`

	rows, err := p.db.QueryContext(ctx, q, chain, orphanedNotAfter)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*store.Confirmation
	for rows.Next() {
		c := &store.Confirmation{Chain: chain}
		var txid, blockHash []byte
		err = rows.Scan(&txid, &blockHash, &c.OrphanedAtHeight)
		if err != nil {
			return nil, err
		}
		th, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, err
		}
		bh, err := chainhash.NewHash(blockHash)
		if err != nil {
			return nil, err
		}
		c.Txid = *th
		c.BlockHash = *bh
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) DeleteConfirmation(ctx context.Context, txid *chainhash.Hash, chain store.Chain) error {
	ctx, span := tracing.StartTracing(ctx, "DeleteConfirmation", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `DELETE FROM confirmations WHERE txid = $1 AND chain = $2`

	_, err := p.db.ExecContext(ctx, q, txid[:], chain)
	if err != nil {
		return errors.Join(store.ErrFailedToDeleteRows, err)
	}
	return nil
}
