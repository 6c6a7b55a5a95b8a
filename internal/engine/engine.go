// Package engine is the composition root of the coordination core: it wires
// the chain tracker, request ledger, quorum tracker, key rotation manager,
// transaction journal and event projector together, and runs one block
// observer per chain. All progress is driven by observer and caller
// invocations; the engine schedules nothing on its own beyond stat
// collection.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pegbridge/pegbridge/config"
	"github.com/pegbridge/pegbridge/internal/chaintracker"
	"github.com/pegbridge/pegbridge/internal/events"
	"github.com/pegbridge/pegbridge/internal/journal"
	"github.com/pegbridge/pegbridge/internal/keyrotation"
	"github.com/pegbridge/pegbridge/internal/ledger"
	"github.com/pegbridge/pegbridge/internal/observer"
	"github.com/pegbridge/pegbridge/internal/quorum"
	"github.com/pegbridge/pegbridge/internal/store"
)

type Engine struct {
	logger *slog.Logger
	store  store.CoordinatorStore
	cfg    *config.CoordinatorConfig

	Tracker   *chaintracker.Tracker
	Ledger    *ledger.Ledger
	Quorum    *quorum.Tracker
	Epochs    *keyrotation.Manager
	Journal   *journal.Journal
	Projector *events.Projector

	observers []*observer.Observer

	stats *statsCollector

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup *sync.WaitGroup
}

// New wires the coordination core. The reorg cascade runs tracker → ledger
// and tracker → journal; request invalidation cascades ledger → quorum; epoch
// activation cascades rotation manager → quorum.
func New(logger *slog.Logger, s store.CoordinatorStore, cfg *config.CoordinatorConfig, publisher events.Publisher) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		logger:    logger.With(slog.String("service", "coordinator")),
		store:     s,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		waitGroup: &sync.WaitGroup{},
	}

	e.Tracker = chaintracker.New(logger, s)
	e.Ledger = ledger.New(logger, s,
		ledger.WithOrphanGraceBlocks(cfg.OrphanGraceBlocks),
		ledger.WithMaxPendingBlocks(cfg.MaxPendingBlocks),
	)
	e.Epochs = keyrotation.New(logger, s)
	e.Quorum = quorum.New(logger, s, e.Epochs,
		quorum.WithListOpenPageSize(cfg.ListOpenPageSize),
	)
	e.Journal = journal.New(logger, s)

	projectorOpts := []func(*events.Projector){
		events.WithRevertWindowBlocks(cfg.RevertWindowBlocks),
	}
	if publisher != nil {
		projectorOpts = append(projectorOpts, events.WithPublisher(publisher))
	}
	e.Projector = events.New(logger, s, projectorOpts...)

	e.Tracker.RegisterReorgHandler(e.Ledger)
	e.Tracker.RegisterReorgHandler(e.Journal)
	e.Ledger.RegisterInvalidationHandler(e.Quorum)
	e.Epochs.RegisterReevaluator(e.Quorum)

	e.stats = newStatsCollector(logger, s, cfg.StatCollectionInterval)

	return e
}

// AttachFeed runs a block observer for one chain on top of the given feed.
func (e *Engine) AttachFeed(chain store.Chain, feed observer.BlockFeed) {
	obs := observer.New(e.logger, chain, feed, e.Tracker, e.Ledger, e.Journal, e.Projector, e.Epochs)
	e.observers = append(e.observers, obs)
}

// Start launches the attached observers and the stats collector.
func (e *Engine) Start() error {
	err := e.stats.start(e.ctx, e.waitGroup)
	if err != nil {
		return err
	}

	for _, obs := range e.observers {
		e.waitGroup.Add(1)
		go func(o *observer.Observer) {
			defer e.waitGroup.Done()
			err := o.Run(e.ctx)
			if err != nil && e.ctx.Err() == nil {
				e.logger.Error("observer stopped", slog.String("err", err.Error()))
			}
		}(obs)
	}

	e.logger.Info("coordination engine started", slog.Int("observers", len(e.observers)))
	return nil
}

// SubmitVote is the inbound signer-vote surface. The vote signature has
// already been verified at the cryptographic boundary before reaching here.
func (e *Engine) SubmitVote(ctx context.Context, key store.RequestKey, signerPubKey string, accept bool) (quorum.Outcome, error) {
	err := e.Quorum.RecordVote(ctx, key, signerPubKey, accept)
	if err != nil {
		return quorum.Pending, err
	}
	return e.Quorum.Evaluate(ctx, key)
}

// Shutdown stops observers and waits for in-flight work to finish.
func (e *Engine) Shutdown() {
	e.cancel()
	e.waitGroup.Wait()
	e.logger.Info("coordination engine stopped")
}
