// Package ledger is the durable record of deposit and withdrawal requests
// observed on either chain. It owns request rows; votes reference them by key
// and are cascade-deleted on invalidation.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

var ErrRequestNotFound = errors.New("request not found")

// InvalidationHandler is told when a request is removed so that any in-flight
// quorum evaluation for it can be discarded.
type InvalidationHandler interface {
	RequestInvalidated(ctx context.Context, key store.RequestKey)
}

type Ledger struct {
	logger *slog.Logger
	store  store.CoordinatorStore

	// orphanGraceBlocks is how many new blocks an orphaned observation may
	// wait for a re-observation before the request is invalidated.
	orphanGraceBlocks uint64

	// maxPendingBlocks bounds how long a request may stay open before the
	// expiry sweep marks it terminal. Stuck-PENDING requests are expired
	// rather than retried forever.
	maxPendingBlocks uint64

	handlers []InvalidationHandler
}

func WithOrphanGraceBlocks(n uint64) func(*Ledger) {
	return func(l *Ledger) {
		l.orphanGraceBlocks = n
	}
}

func WithMaxPendingBlocks(n uint64) func(*Ledger) {
	return func(l *Ledger) {
		l.maxPendingBlocks = n
	}
}

func New(logger *slog.Logger, s store.CoordinatorStore, opts ...func(*Ledger)) *Ledger {
	l := &Ledger{
		logger:            logger.With(slog.String("module", "ledger")),
		store:             s,
		orphanGraceBlocks: 6,
		maxPendingBlocks:  144,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) RegisterInvalidationHandler(h InvalidationHandler) {
	l.handlers = append(l.handlers, h)
}

// RecordDeposit stores a deposit observed in a confirmed Bitcoin block.
// Re-observing the same outpoint, for example after a reorg re-confirms it,
// is a no-op that refreshes the observing block.
func (l *Ledger) RecordDeposit(ctx context.Context, req *store.DepositRequest) error {
	inserted, err := l.store.UpsertDeposit(ctx, req)
	if err != nil {
		return err
	}
	if inserted {
		l.logger.Info("deposit recorded",
			slog.String("outpoint", req.Outpoint.Key()),
			slog.Uint64("amount", req.Amount),
			slog.Uint64("height", req.ObservedAtHeight),
		)
	}
	return nil
}

// RecordWithdrawal stores a withdrawal observed in a confirmed Stacks block.
// Idempotent on (request id, announcing block hash).
func (l *Ledger) RecordWithdrawal(ctx context.Context, req *store.WithdrawalRequest) error {
	inserted, err := l.store.UpsertWithdrawal(ctx, req)
	if err != nil {
		return err
	}
	if inserted {
		l.logger.Info("withdrawal recorded",
			slog.String("request", req.Ref.Key()),
			slog.Uint64("amount", req.Amount),
			slog.Uint64("height", req.ObservedAtHeight),
		)
	}
	return nil
}

// Invalidate removes a request whose observing block was orphaned with no
// replacement observation. Associated votes are cascade-deleted and any
// in-flight quorum evaluation is discarded via the registered handlers.
func (l *Ledger) Invalidate(ctx context.Context, key store.RequestKey) error {
	err := l.store.DeleteRequest(ctx, key)
	if err != nil {
		return err
	}

	l.logger.Info("request invalidated", slog.String("key", key.Key()))

	for _, h := range l.handlers {
		h.RequestInvalidated(ctx, key)
	}
	return nil
}

// ListOpen pages through requests not yet in a terminal state, ordered by
// observation height then natural key. afterKey restarts the sequence from
// where a previous page left off; pass the empty string for the first page.
func (l *Ledger) ListOpen(ctx context.Context, chain store.Chain, sinceHeight uint64, afterKey string, limit int) ([]*store.RequestSummary, error) {
	return l.store.ListOpenRequests(ctx, chain, sinceHeight, afterKey, limit)
}

// HandleReorg marks requests observed in the orphaned blocks. They are not
// invalidated immediately: a replacement observation may still arrive within
// the grace window, after which SweepOrphaned invalidates the rest.
func (l *Ledger) HandleReorg(ctx context.Context, chain store.Chain, orphaned []*store.Block) error {
	if len(orphaned) == 0 {
		return nil
	}

	atHeight := orphaned[0].Height
	hashes := make([]*chainhash.Hash, len(orphaned))
	for i, b := range orphaned {
		hashes[i] = b.Hash
	}

	affected, err := l.store.MarkRequestsOrphaned(ctx, chain, hashes, atHeight)
	if err != nil {
		return err
	}

	for _, key := range affected {
		l.logger.Warn("request observation orphaned", slog.String("key", key.Key()))
	}
	return nil
}

// SweepOrphaned invalidates requests whose observation was orphaned more than
// the grace window ago without being re-observed. Driven by the block
// observer on each new canonical block.
func (l *Ledger) SweepOrphaned(ctx context.Context, chain store.Chain, currentHeight uint64) error {
	if currentHeight <= l.orphanGraceBlocks {
		return nil
	}

	keys, err := l.store.ListOrphanedRequests(ctx, chain, currentHeight-l.orphanGraceBlocks)
	if err != nil {
		return err
	}

	for _, key := range keys {
		err = l.Invalidate(ctx, key)
		if err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired marks requests stuck open for more than maxPendingBlocks as
// expired. Expired requests leave the open set permanently; no outcome event
// is emitted for them.
func (l *Ledger) SweepExpired(ctx context.Context, chain store.Chain, currentHeight uint64) error {
	if currentHeight <= l.maxPendingBlocks {
		return nil
	}

	keys, err := l.store.ListStaleRequests(ctx, chain, currentHeight-l.maxPendingBlocks)
	if err != nil {
		return err
	}

	for _, key := range keys {
		err = l.store.MarkRequestExpired(ctx, key)
		if err != nil {
			return err
		}
		l.logger.Warn("request expired", slog.String("key", key.Key()))
	}
	return nil
}
