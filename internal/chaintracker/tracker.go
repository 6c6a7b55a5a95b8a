// Package chaintracker maintains the locally known tip and ancestry of both
// bridged chains and resolves reorgs by flipping block canonicality.
package chaintracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

var (
	// ErrOrphanBlock is retryable: the caller buffers the block and
	// re-ingests it once the parent is known.
	ErrOrphanBlock = errors.New("orphan block: parent unknown")

	ErrInvalidHeight  = errors.New("block height does not follow parent")
	ErrUnknownNewTip  = errors.New("reorg target block not known")
	ErrNoForkAncestor = errors.New("reorg target does not connect to a canonical ancestor")
)

// ReorgHandler is notified with the blocks newly orphaned by a reorg.
// Downstream components treat the notification as an invalidation signal.
type ReorgHandler interface {
	HandleReorg(ctx context.Context, chain store.Chain, orphaned []*store.Block) error
}

// Tracker ingests block headers for either chain. Ingestion and reorg
// resolution are serialized per chain; cross-chain calls do not block each
// other.
type Tracker struct {
	logger   *slog.Logger
	store    store.CoordinatorStore
	chainMu  map[store.Chain]*sync.Mutex
	handlers []ReorgHandler
}

func New(logger *slog.Logger, s store.CoordinatorStore) *Tracker {
	return &Tracker{
		logger: logger.With(slog.String("module", "chaintracker")),
		store:  s,
		chainMu: map[store.Chain]*sync.Mutex{
			store.ChainBitcoin: {},
			store.ChainStacks:  {},
		},
	}
}

// RegisterReorgHandler adds a downstream consumer of orphaned-block
// notifications. Handlers run synchronously inside ReorgTo, in registration
// order.
func (t *Tracker) RegisterReorgHandler(h ReorgHandler) {
	t.handlers = append(t.handlers, h)
}

// IngestBlock accepts a new block header for either chain. Re-ingesting a
// known block is a no-op. The block becomes canonical when it extends the
// current tip; a competing block at an already occupied height is retained
// non-canonical until a reorg flips it.
func (t *Tracker) IngestBlock(ctx context.Context, block *store.Block) error {
	mu := t.chainMu[block.Chain]
	mu.Lock()
	defer mu.Unlock()

	if _, err := t.store.GetBlock(ctx, block.Chain, block.Hash); err == nil {
		return nil
	}

	isGenesis := block.ParentHash.IsEqual(&store.GenesisParent)
	if isGenesis {
		block.Canonical = true
		return t.store.UpsertBlock(ctx, block)
	}

	parent, err := t.store.GetBlock(ctx, block.Chain, block.ParentHash)
	if err != nil {
		if errors.Is(err, store.ErrBlockNotFound) {
			return errors.Join(ErrOrphanBlock, errors.New("parent "+block.ParentHash.String()))
		}
		return err
	}

	if block.Height != parent.Height+1 {
		return ErrInvalidHeight
	}

	tip, err := t.store.GetChainTip(ctx, block.Chain)
	if err != nil && !errors.Is(err, store.ErrBlockNotFound) {
		return err
	}

	block.Canonical = tip != nil && parent.Canonical && tip.Hash.IsEqual(parent.Hash)

	err = t.store.UpsertBlock(ctx, block)
	if err != nil {
		return err
	}

	t.logger.Debug("block ingested",
		slog.String("chain", string(block.Chain)),
		slog.String("hash", block.Hash.String()),
		slog.Uint64("height", block.Height),
		slog.Bool("canonical", block.Canonical),
	)
	return nil
}

// CurrentTip returns the highest canonical block of the given chain.
func (t *Tracker) CurrentTip(ctx context.Context, chain store.Chain) (*store.Block, error) {
	return t.store.GetChainTip(ctx, chain)
}

// ReorgTo atomically flips canonicality so that newTip heads the canonical
// chain, and returns the set of blocks newly orphaned. The decision that
// newTip wins is made by the external chain observer; the tracker only
// applies it. Registered handlers are notified before ReorgTo returns.
func (t *Tracker) ReorgTo(ctx context.Context, chain store.Chain, newTip *chainhash.Hash) ([]*store.Block, error) {
	mu := t.chainMu[chain]
	mu.Lock()
	defer mu.Unlock()

	target, err := t.store.GetBlock(ctx, chain, newTip)
	if err != nil {
		return nil, errors.Join(ErrUnknownNewTip, err)
	}
	if target.Canonical {
		return nil, nil
	}

	// walk the new branch back to the fork point on the canonical chain
	var promote []*store.Block
	fork := target
	for !fork.Canonical {
		promote = append(promote, fork)
		if fork.ParentHash.IsEqual(&store.GenesisParent) {
			fork = nil
			break
		}
		fork, err = t.store.GetBlock(ctx, chain, fork.ParentHash)
		if err != nil {
			return nil, errors.Join(ErrNoForkAncestor, err)
		}
	}

	// walk the old canonical branch back to the same fork point
	var demote []*store.Block
	tip, err := t.store.GetChainTip(ctx, chain)
	if err != nil && !errors.Is(err, store.ErrBlockNotFound) {
		return nil, err
	}
	for tip != nil && (fork == nil || !tip.Hash.IsEqual(fork.Hash)) {
		demote = append(demote, tip)
		if tip.ParentHash.IsEqual(&store.GenesisParent) {
			break
		}
		tip, err = t.store.GetBlock(ctx, chain, tip.ParentHash)
		if err != nil {
			return nil, err
		}
	}

	canonical := make([]*chainhash.Hash, len(promote))
	for i, b := range promote {
		canonical[i] = b.Hash
	}
	orphaned := make([]*chainhash.Hash, len(demote))
	for i, b := range demote {
		orphaned[i] = b.Hash
	}

	err = t.store.FlipCanonicality(ctx, chain, canonical, orphaned)
	if err != nil {
		return nil, err
	}

	t.logger.Info("reorg applied",
		slog.String("chain", string(chain)),
		slog.String("new_tip", newTip.String()),
		slog.Int("promoted", len(promote)),
		slog.Int("orphaned", len(demote)),
	)

	for _, h := range t.handlers {
		err = h.HandleReorg(ctx, chain, demote)
		if err != nil {
			t.logger.Error("reorg handler failed", slog.String("err", err.Error()))
		}
	}

	return demote, nil
}
