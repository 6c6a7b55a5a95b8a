// Package events projects chain-confirmed settlement transactions into the
// append-only outcome event log consumed by external systems. Events are
// never retracted; a reorg of the confirming block produces a compensating
// Reverted event instead.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/pegbridge/pegbridge/internal/store"
)

const (
	TopicDepositCompleted = "deposit-completed"
	TopicWithdrawalEvents = "withdrawal-events"
	TopicEventReverted    = "event-reverted"
)

// Publisher pushes serialized outcome events to external consumers. A nil
// publisher disables publishing; events are still journaled.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Envelope is the wire shape of a published outcome event.
type Envelope struct {
	Seq       uint64    `json:"seq"`
	Txid      string    `json:"txid"`
	Kind      string    `json:"kind"`
	RefSeq    uint64    `json:"refSeq,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}

type Projector struct {
	logger    *slog.Logger
	store     store.CoordinatorStore
	publisher Publisher

	// revertWindowBlocks is how long an orphaned confirmation may wait for
	// a replacement before the compensating event is emitted.
	revertWindowBlocks uint64
}

func WithPublisher(p Publisher) func(*Projector) {
	return func(pr *Projector) {
		pr.publisher = p
	}
}

func WithRevertWindowBlocks(n uint64) func(*Projector) {
	return func(pr *Projector) {
		pr.revertWindowBlocks = n
	}
}

func New(logger *slog.Logger, s store.CoordinatorStore, opts ...func(*Projector)) *Projector {
	p := &Projector{
		logger:             logger.With(slog.String("module", "events")),
		store:              s,
		revertWindowBlocks: 6,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnConfirmed emits the terminal outcome event for a confirmed settlement
// transaction. Exactly one terminal event is emitted per transaction;
// repeated confirmations of the same transaction are no-ops.
func (p *Projector) OnConfirmed(ctx context.Context, tx *store.SettlementTx) error {
	kind, ok := eventKindFor(tx.Kind)
	if !ok {
		return nil
	}

	_, err := p.store.GetTerminalEvent(ctx, &tx.Txid)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ev := &store.OutcomeEvent{Txid: tx.Txid, Kind: kind}
	seq, err := p.store.InsertOutcomeEvent(ctx, ev)
	if err != nil {
		return err
	}
	ev.Seq = seq

	p.logger.Info("outcome event emitted",
		slog.Uint64("seq", seq),
		slog.String("txid", tx.Txid.String()),
		slog.String("kind", string(kind)),
	)

	return p.publish(topicFor(kind), ev)
}

// SweepReverted emits compensating events for settlement transactions whose
// confirming block was orphaned and not replaced within the revert window.
// Driven by the block observer on each new canonical block.
func (p *Projector) SweepReverted(ctx context.Context, chain store.Chain, currentHeight uint64) error {
	if currentHeight <= p.revertWindowBlocks {
		return nil
	}

	stale, err := p.store.ListOrphanedConfirmations(ctx, chain, currentHeight-p.revertWindowBlocks)
	if err != nil {
		return err
	}

	for _, conf := range stale {
		original, err := p.store.GetTerminalEvent(ctx, &conf.Txid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// confirmed but never projected; nothing to compensate
				continue
			}
			return err
		}

		ev := &store.OutcomeEvent{
			Txid:   conf.Txid,
			Kind:   store.EventReverted,
			RefSeq: original.Seq,
		}
		seq, err := p.store.InsertOutcomeEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.Seq = seq

		// dropping the stale row makes the compensation single-shot; a
		// later replacement confirmation recreates it via the journal
		err = p.store.DeleteConfirmation(ctx, &conf.Txid, chain)
		if err != nil {
			return err
		}

		p.logger.Warn("compensating event emitted",
			slog.Uint64("seq", seq),
			slog.Uint64("reverts", original.Seq),
			slog.String("txid", conf.Txid.String()),
		)

		err = p.publish(TopicEventReverted, ev)
		if err != nil {
			return err
		}
	}
	return nil
}

// Events pages through the outcome log for external consumers.
func (p *Projector) Events(ctx context.Context, sinceSeq uint64, limit int) ([]*store.OutcomeEvent, error) {
	return p.store.ListOutcomeEvents(ctx, sinceSeq, limit)
}

func (p *Projector) publish(topic string, ev *store.OutcomeEvent) error {
	if p.publisher == nil {
		return nil
	}

	data, err := json.Marshal(Envelope{
		Seq:       ev.Seq,
		Txid:      ev.Txid.String(),
		Kind:      string(ev.Kind),
		RefSeq:    ev.RefSeq,
		EmittedAt: ev.EmittedAt,
	})
	if err != nil {
		return err
	}

	err = p.publisher.Publish(topic, data)
	if err != nil {
		p.logger.Error("event publish failed",
			slog.String("topic", topic),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

func eventKindFor(kind store.TxKind) (store.EventKind, bool) {
	switch kind {
	case store.TxDepositAccept:
		return store.EventDepositCompleted, true
	case store.TxWithdrawalRequest:
		return store.EventWithdrawalCreated, true
	case store.TxWithdrawalAccept:
		return store.EventWithdrawalAccepted, true
	case store.TxWithdrawalReject:
		return store.EventWithdrawalRejected, true
	}
	// sweeps, deposit requests and key rotations have no external outcome
	return "", false
}

func topicFor(kind store.EventKind) string {
	if kind == store.EventDepositCompleted {
		return TopicDepositCompleted
	}
	return TopicWithdrawalEvents
}
