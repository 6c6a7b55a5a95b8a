// Package quorum accumulates per-request signer votes and evaluates them
// against the threshold of the governing key epoch.
package quorum

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pegbridge/pegbridge/internal/store"
)

var (
	// ErrUnknownRequest and ErrUnknownSigner are caller errors: reject, do
	// not retry.
	ErrUnknownRequest = errors.New("unknown request")
	ErrUnknownSigner  = errors.New("signer not a member of the active key epoch")

	// ErrVotesFrozen is returned for votes arriving after quorum was
	// declared for the request.
	ErrVotesFrozen = errors.New("votes frozen: quorum already declared")

	ErrNoActiveEpoch = errors.New("no active key epoch")
)

// Outcome of a quorum evaluation.
type Outcome string

const (
	Pending  Outcome = "PENDING"
	Accepted Outcome = "ACCEPTED"
	Rejected Outcome = "REJECTED"
)

// EpochSource supplies the currently active key epoch.
type EpochSource interface {
	Current(ctx context.Context) (*store.KeyEpoch, error)
}

const (
	epochCacheKey = "active-epoch"
	epochCacheTTL = 2 * time.Second

	defaultListOpenPageSize = 100
)

// Tracker records votes and evaluates quorum. Mutations on the same request
// key are serialized so concurrent votes cannot race past the evaluation
// point.
type Tracker struct {
	logger *slog.Logger
	store  store.CoordinatorStore
	epochs EpochSource

	keyMu keyedMutex

	// epochCache shields the epoch lookup on the hot vote path. Flushed on
	// every epoch transition.
	epochCache *gocache.Cache

	listOpenPageSize int
}

func WithListOpenPageSize(n int) func(*Tracker) {
	return func(t *Tracker) {
		if n > 0 {
			t.listOpenPageSize = n
		}
	}
}

func New(logger *slog.Logger, s store.CoordinatorStore, epochs EpochSource, opts ...func(*Tracker)) *Tracker {
	t := &Tracker{
		logger:           logger.With(slog.String("module", "quorum")),
		store:            s,
		epochs:           epochs,
		epochCache:       gocache.New(epochCacheTTL, 2*epochCacheTTL),
		listOpenPageSize: defaultListOpenPageSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordVote upserts one signer's vote on an open request. The last vote per
// signer wins until quorum is declared, after which the vote set is frozen.
func (t *Tracker) RecordVote(ctx context.Context, key store.RequestKey, signerPubKey string, accept bool) error {
	unlock := t.keyMu.lock(key.Key())
	defer unlock()

	err := t.requireOpen(ctx, key)
	if err != nil {
		return err
	}

	epoch, err := t.currentEpoch(ctx)
	if err != nil {
		return err
	}

	if !slices.Contains(epoch.SignerSet, signerPubKey) {
		return errors.Join(ErrUnknownSigner, errors.New("signer "+signerPubKey))
	}

	votes, err := t.store.GetVotes(ctx, key)
	if err != nil {
		return err
	}
	if Tally(votes, epoch) != Pending {
		return errors.Join(ErrVotesFrozen, errors.New("request "+key.Key()))
	}

	err = t.store.UpsertVote(ctx, &store.SignerVote{
		Request:      key,
		SignerPubKey: signerPubKey,
		Accepted:     accept,
		AggregateKey: epoch.AggregateKey,
	})
	if err != nil {
		return err
	}

	t.logger.Debug("vote recorded",
		slog.String("request", key.Key()),
		slog.String("signer", signerPubKey),
		slog.Bool("accepted", accept),
	)
	return nil
}

// Evaluate computes the outcome for the given request from stored votes and
// the governing epoch. Deterministic and side-effect free; safe to re-run
// after every vote.
func (t *Tracker) Evaluate(ctx context.Context, key store.RequestKey) (Outcome, error) {
	err := t.requireOpen(ctx, key)
	if err != nil {
		return Pending, err
	}

	epoch, err := t.currentEpoch(ctx)
	if err != nil {
		return Pending, err
	}

	votes, err := t.store.GetVotes(ctx, key)
	if err != nil {
		return Pending, err
	}

	return Tally(votes, epoch), nil
}

// Tally is the pure quorum rule. Votes cast under a different epoch and votes
// from keys outside the epoch's signer set are excluded. Acceptance requires
// SignaturesRequired accepting votes; rejection short-circuits as soon as the
// rejecting votes make acceptance mathematically unreachable.
func Tally(votes []*store.SignerVote, epoch *store.KeyEpoch) Outcome {
	var accepts, rejects int
	for _, v := range votes {
		if v.AggregateKey != epoch.AggregateKey {
			continue
		}
		if !slices.Contains(epoch.SignerSet, v.SignerPubKey) {
			continue
		}
		if v.Accepted {
			accepts++
		} else {
			rejects++
		}
	}

	required := int(epoch.SignaturesRequired)
	if rejects > len(epoch.SignerSet)-required {
		return Rejected
	}
	if accepts >= required {
		return Accepted
	}
	return Pending
}

// ReevaluatePending re-runs evaluation for all open requests. Called on every
// epoch transition: votes cast under the retired epoch no longer count, so
// outcomes must be recomputed under the new threshold.
func (t *Tracker) ReevaluatePending(ctx context.Context, atHeight uint64) error {
	t.epochCache.Flush()

	for _, chain := range []store.Chain{store.ChainBitcoin, store.ChainStacks} {
		afterKey := ""
		for {
			page, err := t.store.ListOpenRequests(ctx, chain, 0, afterKey, t.listOpenPageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}
			for _, summary := range page {
				outcome, err := t.Evaluate(ctx, summary.Key)
				if err != nil {
					t.logger.Error("re-evaluation failed",
						slog.String("request", summary.Key.Key()),
						slog.String("err", err.Error()))
					continue
				}
				t.logger.Info("request re-evaluated",
					slog.String("request", summary.Key.Key()),
					slog.String("outcome", string(outcome)),
					slog.Uint64("transition_height", atHeight),
				)
			}
			afterKey = page[len(page)-1].Key.Key()
		}
	}
	return nil
}

// RequestInvalidated implements the ledger invalidation callback. The store
// has already cascade-deleted the votes; any in-flight evaluation result for
// this key must be discarded by its caller.
func (t *Tracker) RequestInvalidated(_ context.Context, key store.RequestKey) {
	t.logger.Info("quorum state discarded", slog.String("request", key.Key()))
}

func (t *Tracker) requireOpen(ctx context.Context, key store.RequestKey) error {
	switch key.Kind() {
	case store.KindDeposit:
		outpoint, ok := key.(store.DepositOutpoint)
		if !ok {
			return ErrUnknownRequest
		}
		req, err := t.store.GetDeposit(ctx, outpoint)
		if err != nil {
			return errors.Join(ErrUnknownRequest, errors.New("request "+key.Key()))
		}
		if req.Expired || req.OrphanedAtHeight > 0 {
			return errors.Join(ErrUnknownRequest, errors.New("request "+key.Key()))
		}
	case store.KindWithdrawal:
		ref, ok := key.(store.WithdrawalRef)
		if !ok {
			return ErrUnknownRequest
		}
		req, err := t.store.GetWithdrawal(ctx, ref)
		if err != nil {
			return errors.Join(ErrUnknownRequest, errors.New("request "+key.Key()))
		}
		if req.Expired || req.OrphanedAtHeight > 0 {
			return errors.Join(ErrUnknownRequest, errors.New("request "+key.Key()))
		}
	default:
		return ErrUnknownRequest
	}
	return nil
}

func (t *Tracker) currentEpoch(ctx context.Context) (*store.KeyEpoch, error) {
	if cached, ok := t.epochCache.Get(epochCacheKey); ok {
		return cached.(*store.KeyEpoch), nil
	}

	epoch, err := t.epochs.Current(ctx)
	if err != nil {
		return nil, errors.Join(ErrNoActiveEpoch, err)
	}

	t.epochCache.SetDefault(epochCacheKey, epoch)
	return epoch, nil
}

// keyedMutex serializes callers on a string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*lockEntry{}
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
