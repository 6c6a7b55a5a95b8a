package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func (p *PostgreSQL) UpsertBlock(ctx context.Context, block *store.Block) error {
	ctx, span := tracing.StartTracing(ctx, "UpsertBlock", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertBlock, err)
	}
	defer tx.Rollback() // nolint: errcheck

	qInsert := `
		INSERT INTO blocks (chain, hash, parent_hash, height, canonical)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain, hash) DO NOTHING
	`

	_, err = tx.ExecContext(ctx, qInsert,
		block.Chain,
		block.Hash[:],
		block.ParentHash[:],
		block.Height,
		block.Canonical,
	)
	if err != nil {
		return errors.Join(store.ErrFailedToInsertBlock, err)
	}

	qConfirms := `
		INSERT INTO block_confirms (chain, block_hash, confirms_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	for _, confirmed := range block.Confirms {
		_, err = tx.ExecContext(ctx, qConfirms, block.Chain, block.Hash[:], confirmed[:])
		if err != nil {
			return errors.Join(store.ErrFailedToInsertBlock, err)
		}
	}

	return tx.Commit()
}

func (p *PostgreSQL) GetBlock(ctx context.Context, chain store.Chain, hash *chainhash.Hash) (*store.Block, error) {
	ctx, span := tracing.StartTracing(ctx, "GetBlock", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT b.hash, b.parent_hash, b.height, b.canonical
		FROM blocks b
		WHERE b.chain = $1 AND b.hash = $2
	`

	block, err := p.scanBlock(p.db.QueryRowContext(ctx, q, chain, hash[:]), chain)
	if err != nil {
		return nil, err
	}

	return p.loadConfirms(ctx, block)
}

func (p *PostgreSQL) GetChainTip(ctx context.Context, chain store.Chain) (*store.Block, error) {
	ctx, span := tracing.StartTracing(ctx, "GetChainTip", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT b.hash, b.parent_hash, b.height, b.canonical
		FROM blocks b
		WHERE b.chain = $1 AND b.canonical
		ORDER BY b.height DESC
		LIMIT 1
	`

	block, err := p.scanBlock(p.db.QueryRowContext(ctx, q, chain), chain)
	if err != nil {
		return nil, err
	}

	return p.loadConfirms(ctx, block)
}

func (p *PostgreSQL) FlipCanonicality(ctx context.Context, chain store.Chain, canonical, orphaned []*chainhash.Hash) error {
	ctx, span := tracing.StartTracing(ctx, "FlipCanonicality", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint: errcheck

	q := `UPDATE blocks SET canonical = $1 WHERE chain = $2 AND hash = ANY($3)`

	_, err = tx.ExecContext(ctx, q, true, chain, hashesToBytea(canonical))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q, false, chain, hashesToBytea(orphaned))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgreSQL) scanBlock(row *sql.Row, chain store.Chain) (*store.Block, error) {
	var hash, parentHash []byte
	block := &store.Block{Chain: chain}

	err := row.Scan(&hash, &parentHash, &block.Height, &block.Canonical)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBlockNotFound
		}
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}

	block.Hash, err = chainhash.NewHash(hash)
	if err != nil {
		return nil, err
	}
	block.ParentHash, err = chainhash.NewHash(parentHash)
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (p *PostgreSQL) loadConfirms(ctx context.Context, block *store.Block) (*store.Block, error) {
	q := `SELECT confirms_hash FROM block_confirms WHERE chain = $1 AND block_hash = $2`

	rows, err := p.db.QueryContext(ctx, q, block.Chain, block.Hash[:])
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	for rows.Next() {
		var confirmed []byte
		err = rows.Scan(&confirmed)
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(confirmed)
		if err != nil {
			return nil, err
		}
		block.Confirms = append(block.Confirms, h)
	}
	return block, rows.Err()
}
