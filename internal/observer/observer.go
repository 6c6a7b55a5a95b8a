// Package observer consumes per-chain block feeds and drives the
// coordination engine: ingesting headers, recording the requests extracted
// from confirmed blocks, and linking settlement transaction confirmations.
// Out-of-order delivery near chain tips is expected; orphan blocks are
// buffered and replayed once their parent arrives.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/chaintracker"
	"github.com/pegbridge/pegbridge/internal/events"
	"github.com/pegbridge/pegbridge/internal/journal"
	"github.com/pegbridge/pegbridge/internal/ledger"
	"github.com/pegbridge/pegbridge/internal/store"
)

const (
	maxBufferedOrphans = 256

	feedRetryInitialInterval = 500 * time.Millisecond
	feedRetryMaxInterval     = 30 * time.Second
)

var ErrOrphanBufferFull = errors.New("orphan buffer full, dropping block")

// BlockEvent is one observation delivered by the chain-facing feed: a header
// plus the requests and settlement txids already parsed out of the block
// payload. Payload parsing and signature verification happen upstream, at the
// opaque chain boundary.
type BlockEvent struct {
	Block       *store.Block
	Deposits    []*store.DepositRequest
	Withdrawals []*store.WithdrawalRequest

	// ConfirmedTxids are settlement transactions this block confirms.
	ConfirmedTxids []*chainhash.Hash

	// PreferTip marks this block as the feed's canonical tip candidate.
	// When set and the block lands on a non-canonical branch, the observer
	// applies a reorg to it. The most-work decision is the feed's, per the
	// chain-specific rule; it is not recomputed here.
	PreferTip bool
}

// BlockFeed delivers block events for one chain. Next blocks until an event
// is available, the context is cancelled, or the feed fails.
type BlockFeed interface {
	Next(ctx context.Context) (*BlockEvent, error)
}

// RotationActivator promotes the key epoch whose rotate-keys transaction
// confirmed on-chain.
type RotationActivator interface {
	ActivateByRotationTxid(ctx context.Context, txid *chainhash.Hash, atHeight uint64) error
}

type Observer struct {
	logger    *slog.Logger
	chain     store.Chain
	feed      BlockFeed
	tracker   *chaintracker.Tracker
	ledger    *ledger.Ledger
	journal   *journal.Journal
	projector *events.Projector
	epochs    RotationActivator

	// buffered orphans keyed by the missing parent hash
	pending map[chainhash.Hash][]*BlockEvent
}

func New(
	logger *slog.Logger,
	chain store.Chain,
	feed BlockFeed,
	tracker *chaintracker.Tracker,
	ldg *ledger.Ledger,
	jnl *journal.Journal,
	projector *events.Projector,
	epochs RotationActivator,
) *Observer {
	return &Observer{
		logger:    logger.With(slog.String("module", "observer"), slog.String("chain", string(chain))),
		chain:     chain,
		feed:      feed,
		tracker:   tracker,
		ledger:    ldg,
		journal:   jnl,
		projector: projector,
		epochs:    epochs,
		pending:   map[chainhash.Hash][]*BlockEvent{},
	}
}

// Run consumes the feed until the context is cancelled. Feed failures are
// retried with exponential backoff; processing failures for a single block
// are logged and skipped, the next observation re-drives the state.
func (o *Observer) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = feedRetryInitialInterval
	retry.MaxInterval = feedRetryMaxInterval
	retry.MaxElapsedTime = 0

	for {
		ev, err := o.feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			wait := retry.NextBackOff()
			o.logger.Warn("block feed failed",
				slog.String("err", err.Error()),
				slog.Duration("retry_in", wait))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		err = o.Process(ctx, ev)
		if err != nil {
			o.logger.Error("block processing failed",
				slog.String("hash", ev.Block.Hash.String()),
				slog.String("err", err.Error()))
		}
	}
}

// Process ingests one block event, replaying any buffered orphans that were
// waiting for it, then runs the per-block sweeps at the new tip.
func (o *Observer) Process(ctx context.Context, ev *BlockEvent) error {
	err := o.ingest(ctx, ev)
	if err != nil {
		return err
	}

	tip, err := o.tracker.CurrentTip(ctx, o.chain)
	if err != nil {
		if errors.Is(err, store.ErrBlockNotFound) {
			return nil
		}
		return err
	}

	err = o.ledger.SweepOrphaned(ctx, o.chain, tip.Height)
	if err != nil {
		return err
	}
	err = o.ledger.SweepExpired(ctx, o.chain, tip.Height)
	if err != nil {
		return err
	}
	return o.projector.SweepReverted(ctx, o.chain, tip.Height)
}

func (o *Observer) ingest(ctx context.Context, ev *BlockEvent) error {
	err := o.tracker.IngestBlock(ctx, ev.Block)
	if errors.Is(err, chaintracker.ErrOrphanBlock) {
		return o.bufferOrphan(ev)
	}
	if err != nil {
		return err
	}

	err = o.applyPayload(ctx, ev)
	if err != nil {
		return err
	}

	if ev.PreferTip {
		ingested, err := o.tracker.CurrentTip(ctx, o.chain)
		if err == nil && !ingested.Hash.IsEqual(ev.Block.Hash) {
			_, err = o.tracker.ReorgTo(ctx, o.chain, ev.Block.Hash)
			if err != nil {
				return err
			}
		}
	}

	return o.replayBuffered(ctx, ev.Block.Hash)
}

func (o *Observer) applyPayload(ctx context.Context, ev *BlockEvent) error {
	for _, dep := range ev.Deposits {
		dep.ObservedInBlock = *ev.Block.Hash
		dep.ObservedAtHeight = ev.Block.Height
		err := o.ledger.RecordDeposit(ctx, dep)
		if err != nil {
			return err
		}
	}

	for _, wdl := range ev.Withdrawals {
		wdl.ObservedInBlock = *ev.Block.Hash
		wdl.ObservedAtHeight = ev.Block.Height
		err := o.ledger.RecordWithdrawal(ctx, wdl)
		if err != nil {
			return err
		}
	}

	for _, txid := range ev.ConfirmedTxids {
		err := o.journal.RecordConfirmation(ctx, txid, o.chain, ev.Block.Hash)
		if errors.Is(err, journal.ErrUnknownTransaction) {
			// a transaction this coordinator never journaled; not ours
			continue
		}
		if err != nil {
			return err
		}

		tx, err := o.journal.Get(ctx, txid)
		if err != nil {
			return err
		}

		// a confirmed rotate-keys transaction is what promotes its epoch
		if tx.Kind == store.TxKeyRotation {
			err = o.epochs.ActivateByRotationTxid(ctx, txid, ev.Block.Height)
			if err != nil {
				return err
			}
		}

		err = o.projector.OnConfirmed(ctx, tx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Observer) bufferOrphan(ev *BlockEvent) error {
	total := 0
	for _, buffered := range o.pending {
		total += len(buffered)
	}
	if total >= maxBufferedOrphans {
		return errors.Join(ErrOrphanBufferFull, errors.New("block "+ev.Block.Hash.String()))
	}

	parent := *ev.Block.ParentHash
	o.pending[parent] = append(o.pending[parent], ev)
	o.logger.Debug("orphan block buffered",
		slog.String("hash", ev.Block.Hash.String()),
		slog.String("waiting_for", parent.String()))
	return nil
}

func (o *Observer) replayBuffered(ctx context.Context, parent *chainhash.Hash) error {
	waiting, ok := o.pending[*parent]
	if !ok {
		return nil
	}
	delete(o.pending, *parent)

	for _, ev := range waiting {
		err := o.ingest(ctx, ev)
		if err != nil {
			return err
		}
	}
	return nil
}
