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

func (p *PostgreSQL) UpsertEpoch(ctx context.Context, epoch *store.KeyEpoch) error {
	ctx, span := tracing.StartTracing(ctx, "UpsertEpoch", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO key_epochs (aggregate_key, encrypted_shares, public_shares, signer_set,
			signatures_required, state, rotation_txid, activated_at_height, retired_at_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (aggregate_key) DO UPDATE SET
			encrypted_shares = EXCLUDED.encrypted_shares,
			public_shares = EXCLUDED.public_shares,
			signer_set = EXCLUDED.signer_set,
			signatures_required = EXCLUDED.signatures_required,
			state = EXCLUDED.state,
			rotation_txid = EXCLUDED.rotation_txid,
			activated_at_height = EXCLUDED.activated_at_height,
			retired_at_height = EXCLUDED.retired_at_height
	`

	var rotationTxid []byte
	if epoch.RotationTxid != nil {
		rotationTxid = epoch.RotationTxid[:]
	}

	_, err := p.db.ExecContext(ctx, q,
		epoch.AggregateKey,
		epoch.EncryptedShares,
		epoch.PublicShares,
		pq.Array(epoch.SignerSet),
		epoch.SignaturesRequired,
		epoch.State,
		rotationTxid,
		epoch.ActivatedAtHeight,
		epoch.RetiredAtHeight,
	)
	if err != nil {
		return errors.Join(store.ErrFailedToUpsertEpoch, err)
	}
	return nil
}

func (p *PostgreSQL) GetEpoch(ctx context.Context, aggregateKey string) (*store.KeyEpoch, error) {
	ctx, span := tracing.StartTracing(ctx, "GetEpoch", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := epochSelect + ` WHERE aggregate_key = $1`

	rows, err := p.db.QueryContext(ctx, q, aggregateKey)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	epochs, err := scanEpochs(rows)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, store.ErrEpochNotFound
	}
	return epochs[0], nil
}

func (p *PostgreSQL) GetActiveEpochAt(ctx context.Context, height uint64) (*store.KeyEpoch, error) {
	ctx, span := tracing.StartTracing(ctx, "GetActiveEpochAt", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := epochSelect + `
		WHERE state IN ($1, $2)
		  AND activated_at_height <= $3
		  AND (retired_at_height = 0 OR retired_at_height > $3)
		ORDER BY activated_at_height DESC
		LIMIT 1
	`

	rows, err := p.db.QueryContext(ctx, q, store.EpochActive, store.EpochRetired, height)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	epochs, err := scanEpochs(rows)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, store.ErrEpochNotFound
	}
	return epochs[0], nil
}

func (p *PostgreSQL) ListEpochsByState(ctx context.Context, state store.EpochState) ([]*store.KeyEpoch, error) {
	ctx, span := tracing.StartTracing(ctx, "ListEpochsByState", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := epochSelect + ` WHERE state = $1 ORDER BY activated_at_height`

	rows, err := p.db.QueryContext(ctx, q, state)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	return scanEpochs(rows)
}

const epochSelect = `
	SELECT aggregate_key, encrypted_shares, public_shares, signer_set,
		signatures_required, state, rotation_txid, activated_at_height, retired_at_height
	FROM key_epochs
`

func scanEpochs(rows *sql.Rows) ([]*store.KeyEpoch, error) {
	var epochs []*store.KeyEpoch
	for rows.Next() {
		epoch := &store.KeyEpoch{}
		var signerSet pq.StringArray
		var rotationTxid []byte

		err := rows.Scan(
			&epoch.AggregateKey,
			&epoch.EncryptedShares,
			&epoch.PublicShares,
			&signerSet,
			&epoch.SignaturesRequired,
			&epoch.State,
			&rotationTxid,
			&epoch.ActivatedAtHeight,
			&epoch.RetiredAtHeight,
		)
		if err != nil {
			return nil, err
		}

		epoch.SignerSet = signerSet
		if len(rotationTxid) > 0 {
			h, err := chainhash.NewHash(rotationTxid)
			if err != nil {
				return nil, err
			}
			epoch.RotationTxid = h
		}
		epochs = append(epochs, epoch)
	}
	return epochs, rows.Err()
}
