// Package keyrotation manages DKG round outputs and the lifecycle of the
// custodial aggregate-key epochs. Rotations are strictly sequential: at most
// one epoch is pending confirmation, and exactly one is active at any height.
package keyrotation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

var (
	// ErrConflictingEpoch protects the single-active-epoch invariant. It
	// signals a logic fault upstream and must never be silently overwritten.
	ErrConflictingEpoch = errors.New("conflicting key epoch")

	ErrEpochNotFound     = errors.New("key epoch not found")
	ErrInvalidTransition = errors.New("invalid epoch state transition")
	ErrNoActiveEpoch     = errors.New("no active key epoch")
)

// Reevaluator is triggered after an epoch activation so that all PENDING
// requests spanning the transition are re-evaluated under the new epoch.
type Reevaluator interface {
	ReevaluatePending(ctx context.Context, atHeight uint64) error
}

type Manager struct {
	logger *slog.Logger
	store  store.CoordinatorStore

	mu           sync.Mutex
	reevaluators []Reevaluator
}

func New(logger *slog.Logger, s store.CoordinatorStore) *Manager {
	return &Manager{
		logger: logger.With(slog.String("module", "keyrotation")),
		store:  s,
	}
}

func (m *Manager) RegisterReevaluator(r Reevaluator) {
	m.reevaluators = append(m.reevaluators, r)
}

// RecordDKG stores a completed DKG round output. The epoch starts in
// Generating: the shares exist but nothing is anchored on-chain yet.
func (m *Manager) RecordDKG(ctx context.Context, epoch *store.KeyEpoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch.AggregateKey == "" {
		return errors.Join(ErrInvalidTransition, errors.New("missing aggregate key"))
	}

	epoch.State = store.EpochGenerating
	epoch.ActivatedAtHeight = 0
	epoch.RetiredAtHeight = 0

	err := m.store.UpsertEpoch(ctx, epoch)
	if err != nil {
		return err
	}

	m.logger.Info("dkg round recorded",
		slog.String("aggregate_key", epoch.AggregateKey),
		slog.Int("signers", len(epoch.SignerSet)),
		slog.Int("required", int(epoch.SignaturesRequired)),
	)
	return nil
}

// MarkPendingConfirmation records that the rotate-keys transaction for the
// epoch has been constructed and broadcast. Fails with ErrConflictingEpoch if
// another rotation is already in flight.
func (m *Manager) MarkPendingConfirmation(ctx context.Context, aggregateKey string, rotationTxid *chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch, err := m.store.GetEpoch(ctx, aggregateKey)
	if err != nil {
		return errors.Join(ErrEpochNotFound, err)
	}
	if epoch.State != store.EpochGenerating {
		return errors.Join(ErrInvalidTransition, errors.New("state "+string(epoch.State)))
	}

	pending, err := m.store.ListEpochsByState(ctx, store.EpochPendingConfirmation)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return errors.Join(ErrConflictingEpoch,
			errors.New("rotation already pending for aggregate key "+pending[0].AggregateKey))
	}

	epoch.State = store.EpochPendingConfirmation
	epoch.RotationTxid = rotationTxid

	err = m.store.UpsertEpoch(ctx, epoch)
	if err != nil {
		return err
	}

	m.logger.Info("rotation broadcast pending confirmation",
		slog.String("aggregate_key", aggregateKey),
		slog.String("txid", rotationTxid.String()),
	)
	return nil
}

// Activate promotes an epoch whose rotate-keys transaction has confirmed
// on-chain. The previously active epoch retires at the same height, and all
// PENDING requests are re-evaluated under the new epoch. Fails with
// ErrConflictingEpoch when the height range would overlap an epoch that is
// already active there.
func (m *Manager) Activate(ctx context.Context, aggregateKey string, atHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch, err := m.store.GetEpoch(ctx, aggregateKey)
	if err != nil {
		return errors.Join(ErrEpochNotFound, err)
	}
	if epoch.State != store.EpochPendingConfirmation {
		return errors.Join(ErrInvalidTransition, errors.New("state "+string(epoch.State)))
	}

	active, err := m.store.ListEpochsByState(ctx, store.EpochActive)
	if err != nil {
		return err
	}
	for _, prior := range active {
		if prior.ActivatedAtHeight >= atHeight {
			return errors.Join(ErrConflictingEpoch,
				errors.New("epoch "+prior.AggregateKey+" already active at overlapping height"))
		}
	}

	// retire the superseded epoch first; its height range closes where the
	// new one begins
	for _, prior := range active {
		prior.State = store.EpochRetired
		prior.RetiredAtHeight = atHeight
		err = m.store.UpsertEpoch(ctx, prior)
		if err != nil {
			return err
		}
		m.logger.Info("epoch retired",
			slog.String("aggregate_key", prior.AggregateKey),
			slog.Uint64("at_height", atHeight),
		)
	}

	epoch.State = store.EpochActive
	epoch.ActivatedAtHeight = atHeight
	epoch.RetiredAtHeight = 0

	err = m.store.UpsertEpoch(ctx, epoch)
	if err != nil {
		return err
	}

	m.logger.Info("epoch activated",
		slog.String("aggregate_key", aggregateKey),
		slog.Uint64("at_height", atHeight),
	)

	for _, r := range m.reevaluators {
		err = r.ReevaluatePending(ctx, atHeight)
		if err != nil {
			m.logger.Error("pending re-evaluation failed", slog.String("err", err.Error()))
		}
	}
	return nil
}

// ActivateByRotationTxid promotes the pending epoch whose rotate-keys
// transaction matches the confirmed txid. A txid matching no pending epoch is
// a no-op: re-confirmations after a reorg land here once the epoch is already
// active.
func (m *Manager) ActivateByRotationTxid(ctx context.Context, txid *chainhash.Hash, atHeight uint64) error {
	pending, err := m.store.ListEpochsByState(ctx, store.EpochPendingConfirmation)
	if err != nil {
		return err
	}

	for _, epoch := range pending {
		if epoch.RotationTxid != nil && epoch.RotationTxid.IsEqual(txid) {
			return m.Activate(ctx, epoch.AggregateKey, atHeight)
		}
	}

	m.logger.Debug("rotation confirmation matched no pending epoch",
		slog.String("txid", txid.String()))
	return nil
}

// Current returns the active epoch.
func (m *Manager) Current(ctx context.Context) (*store.KeyEpoch, error) {
	active, err := m.store.ListEpochsByState(ctx, store.EpochActive)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoActiveEpoch
	}
	return active[len(active)-1], nil
}

// ActiveAt returns the epoch governing the given custody-chain height,
// including retired epochs, so historical evaluations stay reproducible.
func (m *Manager) ActiveAt(ctx context.Context, height uint64) (*store.KeyEpoch, error) {
	epoch, err := m.store.GetActiveEpochAt(ctx, height)
	if err != nil {
		return nil, errors.Join(ErrEpochNotFound, err)
	}
	return epoch, nil
}
