package engine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/libsv/go-p2p/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegbridge/pegbridge/config"
	"github.com/pegbridge/pegbridge/internal/engine"
	"github.com/pegbridge/pegbridge/internal/journal"
	"github.com/pegbridge/pegbridge/internal/observer"
	"github.com/pegbridge/pegbridge/internal/quorum"
	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/store/memory"
)

func testHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return h
}

func testConfig() *config.CoordinatorConfig {
	return &config.CoordinatorConfig{
		OrphanGraceBlocks:  6,
		MaxPendingBlocks:   144,
		RevertWindowBlocks: 6,
		ListOpenPageSize:   100,
	}
}

func blockEvent(t *testing.T, hash, parent string, height uint64) *observer.BlockEvent {
	t.Helper()
	b := &store.Block{
		Hash:   testHash(t, hash),
		Height: height,
		Chain:  store.ChainBitcoin,
	}
	if parent == "" {
		b.ParentHash = &store.GenesisParent
	} else {
		b.ParentHash = testHash(t, parent)
	}
	return &observer.BlockEvent{Block: b}
}

// driveBlocks processes block events synchronously through an observer wired
// to the engine's components.
func driveBlocks(ctx context.Context, t *testing.T, e *engine.Engine, evs ...*observer.BlockEvent) {
	t.Helper()
	obs := observer.New(slog.New(slog.DiscardHandler), store.ChainBitcoin, observer.NewChannelFeed(1),
		e.Tracker, e.Ledger, e.Journal, e.Projector, e.Epochs)
	for _, ev := range evs {
		require.NoError(t, obs.Process(ctx, ev))
	}
}

func activateEpoch(ctx context.Context, t *testing.T, e *engine.Engine, aggregateKey string, signers []string, required uint16, atHeight uint64) {
	t.Helper()
	require.NoError(t, e.Epochs.RecordDKG(ctx, &store.KeyEpoch{
		AggregateKey:       aggregateKey,
		SignerSet:          signers,
		SignaturesRequired: required,
	}))
	require.NoError(t, e.Epochs.MarkPendingConfirmation(ctx, aggregateKey, testHash(t, "ee")))
	require.NoError(t, e.Epochs.Activate(ctx, aggregateKey, atHeight))
}

func TestDepositAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := engine.New(slog.New(slog.DiscardHandler), s, testConfig(), nil)

	activateEpoch(ctx, t, e, "agg-1", []string{"s1", "s2", "s3"}, 2, 1)

	// deposit observed in a confirmed block
	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}
	ev := blockEvent(t, "01", "", 1)
	ev.Deposits = []*store.DepositRequest{{Outpoint: outpoint, Amount: 50_000, MaxFee: 1_000}}
	driveBlocks(ctx, t, e, ev)

	// first vote leaves the request pending, the second reaches quorum
	outcome, err := e.SubmitVote(ctx, outpoint, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, quorum.Pending, outcome)

	outcome, err = e.SubmitVote(ctx, outpoint, "s2", true)
	require.NoError(t, err)
	assert.Equal(t, quorum.Accepted, outcome)

	// late votes are frozen out
	_, err = e.SubmitVote(ctx, outpoint, "s3", false)
	require.ErrorIs(t, err, quorum.ErrVotesFrozen)

	// quorum authorizes exactly one settlement transaction
	settlementTxid := testHash(t, "c1")
	require.NoError(t, e.Journal.Authorize(ctx, outpoint, &store.SettlementTx{
		Txid: *settlementTxid,
		Kind: store.TxDepositAccept,
	}))
	err = e.Journal.Authorize(ctx, outpoint, &store.SettlementTx{
		Txid: *testHash(t, "c2"),
		Kind: store.TxDepositAccept,
	})
	require.ErrorIs(t, err, journal.ErrAlreadyAuthorized)

	require.NoError(t, e.Journal.RecordBroadcast(ctx, settlementTxid, 1, 1.2))

	// the next block confirms the settlement and projects the outcome
	confirming := blockEvent(t, "02", "01", 2)
	confirming.ConfirmedTxids = []*chainhash.Hash{settlementTxid}
	driveBlocks(ctx, t, e, confirming)

	events, err := e.Projector.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventDepositCompleted, events[0].Kind)
	assert.Equal(t, *settlementTxid, events[0].Txid)

	// a settled request leaves the open set
	open, err := e.Ledger.ListOpen(ctx, store.ChainBitcoin, 0, "", 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDecodeVote(t *testing.T) {
	key, signer, accept, err := engine.DecodeVote([]byte(
		`{"requestKey":"deposit:` + testHash(t, "ab").String() + `:0","signerPubKey":"s1","accept":true}`,
	))
	require.NoError(t, err)
	assert.Equal(t, store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}, key)
	assert.Equal(t, "s1", signer)
	assert.True(t, accept)
}

func TestDecodeVoteMalformed(t *testing.T) {
	tt := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "nope"},
		{name: "bad request key", payload: `{"requestKey":"sweep:ab:0","signerPubKey":"s1","accept":true}`},
		{name: "missing signer", payload: `{"requestKey":"deposit:ab:0","signerPubKey":"","accept":true}`},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := engine.DecodeVote([]byte(tc.payload))
			require.Error(t, err)
		})
	}
}

func TestSubmitVoteFromWirePayload(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := engine.New(slog.New(slog.DiscardHandler), s, testConfig(), nil)

	activateEpoch(ctx, t, e, "agg-1", []string{"s1", "s2", "s3"}, 2, 1)

	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}
	ev := blockEvent(t, "01", "", 1)
	ev.Deposits = []*store.DepositRequest{{Outpoint: outpoint, Amount: 50_000}}
	driveBlocks(ctx, t, e, ev)

	// the path the vote topic subscription drives
	for i, signer := range []string{"s1", "s2"} {
		payload := `{"requestKey":"` + outpoint.Key() + `","signerPubKey":"` + signer + `","accept":true}`
		key, signerPubKey, accept, err := engine.DecodeVote([]byte(payload))
		require.NoError(t, err)

		outcome, err := e.SubmitVote(ctx, key, signerPubKey, accept)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, quorum.Pending, outcome)
		} else {
			assert.Equal(t, quorum.Accepted, outcome)
		}
	}
}

func TestVotesAcrossEpochTransitionAreDiscarded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := engine.New(slog.New(slog.DiscardHandler), s, testConfig(), nil)

	activateEpoch(ctx, t, e, "agg-1", []string{"s1", "s2", "s3"}, 2, 1)

	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}
	ev := blockEvent(t, "01", "", 1)
	ev.Deposits = []*store.DepositRequest{{Outpoint: outpoint, Amount: 50_000}}
	driveBlocks(ctx, t, e, ev)

	outcome, err := e.SubmitVote(ctx, outpoint, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, quorum.Pending, outcome)

	// rotation to a new signer set; activation re-evaluates pending requests
	require.NoError(t, e.Epochs.RecordDKG(ctx, &store.KeyEpoch{
		AggregateKey:       "agg-2",
		SignerSet:          []string{"s4", "s5", "s6"},
		SignaturesRequired: 2,
	}))
	require.NoError(t, e.Epochs.MarkPendingConfirmation(ctx, "agg-2", testHash(t, "ef")))
	require.NoError(t, e.Epochs.Activate(ctx, "agg-2", 50))

	// the stale vote no longer counts and the old signer is excluded
	outcome, err = e.Quorum.Evaluate(ctx, outpoint)
	require.NoError(t, err)
	assert.Equal(t, quorum.Pending, outcome)

	_, err = e.SubmitVote(ctx, outpoint, "s1", true)
	require.ErrorIs(t, err, quorum.ErrUnknownSigner)

	outcome, err = e.SubmitVote(ctx, outpoint, "s4", true)
	require.NoError(t, err)
	assert.Equal(t, quorum.Pending, outcome)
	outcome, err = e.SubmitVote(ctx, outpoint, "s5", true)
	require.NoError(t, err)
	assert.Equal(t, quorum.Accepted, outcome)
}

func TestReorgInvalidatesUnreplacedRequests(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := testConfig()
	cfg.OrphanGraceBlocks = 2
	e := engine.New(slog.New(slog.DiscardHandler), s, cfg, nil)

	activateEpoch(ctx, t, e, "agg-1", []string{"s1", "s2", "s3"}, 2, 1)

	obs := observer.New(slog.New(slog.DiscardHandler), store.ChainBitcoin, observer.NewChannelFeed(1),
		e.Tracker, e.Ledger, e.Journal, e.Projector, e.Epochs)
	require.NoError(t, obs.Process(ctx, blockEvent(t, "01", "", 1)))

	// deposit observed on what becomes the losing branch
	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}
	ev := blockEvent(t, "02", "01", 2)
	ev.Deposits = []*store.DepositRequest{{Outpoint: outpoint, Amount: 50_000}}
	require.NoError(t, obs.Process(ctx, ev))

	_, err := e.SubmitVote(ctx, outpoint, "s1", true)
	require.NoError(t, err)

	// competing branch wins
	require.NoError(t, obs.Process(ctx, blockEvent(t, "0b", "01", 2)))
	winner := blockEvent(t, "0c", "0b", 3)
	winner.PreferTip = true
	require.NoError(t, obs.Process(ctx, winner))

	// the orphaned observation survives within the grace window
	_, err = s.GetDeposit(ctx, outpoint)
	require.NoError(t, err)

	// with no re-observation, the grace window elapses and the request and
	// its votes are gone
	require.NoError(t, obs.Process(ctx, blockEvent(t, "0d", "0c", 4)))

	_, err = s.GetDeposit(ctx, outpoint)
	require.ErrorIs(t, err, store.ErrRequestNotFound)

	votes, err := s.GetVotes(ctx, outpoint)
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestStartAndShutdown(t *testing.T) {
	s := memory.New()
	cfg := testConfig()
	cfg.StatCollectionInterval = 10 * time.Millisecond
	e := engine.New(slog.New(slog.DiscardHandler), s, cfg, nil)

	feed := observer.NewChannelFeed(1)
	e.AttachFeed(store.ChainBitcoin, feed)

	require.NoError(t, e.Start())

	feed.Push(blockEvent(t, "01", "", 1))

	require.Eventually(t, func() bool {
		_, err := s.GetBlock(context.Background(), store.ChainBitcoin, testHash(t, "01"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	e.Shutdown()
}
