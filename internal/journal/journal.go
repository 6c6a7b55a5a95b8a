// Package journal is the authoritative, replay-safe record of constructed
// and broadcast settlement transactions. Its core guarantee: at most one
// authorized settlement transaction per logical request.
package journal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

var (
	// ErrAlreadyAuthorized protects against double-spend of the same
	// collateral or double-release of funds. A second authorization attempt
	// for a request is a logic fault upstream; the operation aborts.
	ErrAlreadyAuthorized = errors.New("settlement transaction already authorized for request")

	ErrUnknownTransaction = errors.New("unknown settlement transaction")
)

type Journal struct {
	logger *slog.Logger
	store  store.CoordinatorStore
}

func New(logger *slog.Logger, s store.CoordinatorStore) *Journal {
	return &Journal{
		logger: logger.With(slog.String("module", "journal")),
		store:  s,
	}
}

// Authorize records the settlement transaction for a request that reached
// quorum. All-or-nothing: on any failure nothing is recorded and the caller
// may re-run evaluation and retry under the then-active epoch.
func (j *Journal) Authorize(ctx context.Context, key store.RequestKey, tx *store.SettlementTx) error {
	tx.RequestKey = key.Key()

	err := j.store.InsertSettlementTx(ctx, tx)
	if err != nil {
		// a retried authorization can trip either uniqueness rule: the
		// request key, or the txid of the identical transaction
		if errors.Is(err, store.ErrSettlementExists) || errors.Is(err, store.ErrTransactionExists) {
			return errors.Join(ErrAlreadyAuthorized, errors.New("request "+key.Key()))
		}
		return err
	}

	j.logger.Info("settlement transaction authorized",
		slog.String("request", key.Key()),
		slog.String("txid", tx.Txid.String()),
		slog.String("kind", string(tx.Kind)),
	)
	return nil
}

// RecordRotation journals a key-rotation transaction. Rotations settle no
// request, so the at-most-once rule does not apply to them; re-recording the
// same txid is a no-op.
func (j *Journal) RecordRotation(ctx context.Context, tx *store.SettlementTx) error {
	tx.Kind = store.TxKeyRotation
	tx.RequestKey = ""

	err := j.store.InsertSettlementTx(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrTransactionExists) {
			return nil
		}
		return err
	}
	return nil
}

// RecordBroadcast appends an audit entry with the chain height and fee rate
// at broadcast time. Broadcasting is fire-and-forget from the journal's
// perspective; confirmation is observed separately.
func (j *Journal) RecordBroadcast(ctx context.Context, txid *chainhash.Hash, height uint64, feeRate float64) error {
	err := j.store.InsertBroadcast(ctx, &store.Broadcast{
		ID:              uuid.New(),
		Txid:            *txid,
		BroadcastHeight: height,
		FeeRate:         feeRate,
	})
	if err != nil {
		return err
	}

	j.logger.Info("broadcast recorded",
		slog.String("txid", txid.String()),
		slog.Uint64("height", height),
		slog.Float64("fee_rate", feeRate),
	)
	return nil
}

// RecordConfirmation links the transaction to a confirming block. Idempotent
// and callable repeatedly across reorgs; each call replaces the confirming
// block reference for that block's chain.
func (j *Journal) RecordConfirmation(ctx context.Context, txid *chainhash.Hash, chain store.Chain, blockHash *chainhash.Hash) error {
	_, err := j.store.GetSettlementTx(ctx, txid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Join(ErrUnknownTransaction, errors.New("txid "+txid.String()))
		}
		return err
	}

	err = j.store.UpsertConfirmation(ctx, &store.Confirmation{
		Txid:      *txid,
		Chain:     chain,
		BlockHash: *blockHash,
	})
	if err != nil {
		return err
	}

	j.logger.Info("confirmation recorded",
		slog.String("txid", txid.String()),
		slog.String("chain", string(chain)),
		slog.String("block", blockHash.String()),
	)
	return nil
}

// Get returns the journaled settlement transaction for a txid.
func (j *Journal) Get(ctx context.Context, txid *chainhash.Hash) (*store.SettlementTx, error) {
	tx, err := j.store.GetSettlementTx(ctx, txid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Join(ErrUnknownTransaction, errors.New("txid "+txid.String()))
		}
		return nil, err
	}
	return tx, nil
}

// ByRequest returns the settlement transaction fulfilling a request, when one
// exists.
func (j *Journal) ByRequest(ctx context.Context, key store.RequestKey) (*store.SettlementTx, error) {
	return j.store.GetSettlementTxByRequest(ctx, key)
}

// HandleReorg flags confirmations referencing the orphaned blocks. The
// transactions stay journaled; a replacement confirmation may still land, and
// the event projector compensates if none does within its window.
func (j *Journal) HandleReorg(ctx context.Context, chain store.Chain, orphaned []*store.Block) error {
	if len(orphaned) == 0 {
		return nil
	}

	atHeight := orphaned[0].Height
	hashes := make([]*chainhash.Hash, len(orphaned))
	for i, b := range orphaned {
		hashes[i] = b.Hash
	}

	affected, err := j.store.MarkConfirmationsOrphaned(ctx, chain, hashes, atHeight)
	if err != nil {
		return err
	}

	for _, txid := range affected {
		j.logger.Warn("confirmation orphaned",
			slog.String("txid", txid.String()),
			slog.String("chain", string(chain)),
		)
	}
	return nil
}
