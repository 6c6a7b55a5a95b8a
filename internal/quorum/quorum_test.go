package quorum_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/libsv/go-p2p/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type staticEpochs struct {
	epoch *store.KeyEpoch
	err   error
}

func (s *staticEpochs) Current(_ context.Context) (*store.KeyEpoch, error) {
	return s.epoch, s.err
}

func threeOfFive() *store.KeyEpoch {
	return &store.KeyEpoch{
		AggregateKey:       "agg-1",
		SignerSet:          []string{"s1", "s2", "s3", "s4", "s5"},
		SignaturesRequired: 3,
		State:              store.EpochActive,
		ActivatedAtHeight:  100,
	}
}

func vote(signer, aggregateKey string, accepted bool) *store.SignerVote {
	return &store.SignerVote{SignerPubKey: signer, AggregateKey: aggregateKey, Accepted: accepted}
}

func TestTally(t *testing.T) {
	epoch := threeOfFive()

	tt := []struct {
		name  string
		votes []*store.SignerVote
		want  quorum.Outcome
	}{
		{
			name: "no votes",
			want: quorum.Pending,
		},
		{
			name: "threshold reached",
			votes: []*store.SignerVote{
				vote("s1", "agg-1", true),
				vote("s2", "agg-1", true),
				vote("s3", "agg-1", true),
			},
			want: quorum.Accepted,
		},
		{
			name: "two accepts short of threshold",
			votes: []*store.SignerVote{
				vote("s1", "agg-1", true),
				vote("s2", "agg-1", true),
			},
			want: quorum.Pending,
		},
		{
			name: "acceptance mathematically unreachable",
			votes: []*store.SignerVote{
				vote("s1", "agg-1", false),
				vote("s2", "agg-1", false),
				vote("s3", "agg-1", false),
			},
			want: quorum.Rejected,
		},
		{
			name: "two rejects still leave acceptance reachable",
			votes: []*store.SignerVote{
				vote("s1", "agg-1", false),
				vote("s2", "agg-1", false),
			},
			want: quorum.Pending,
		},
		{
			name: "stale epoch votes are excluded",
			votes: []*store.SignerVote{
				vote("s1", "agg-0", true),
				vote("s2", "agg-0", true),
				vote("s3", "agg-0", true),
				vote("s4", "agg-1", true),
			},
			want: quorum.Pending,
		},
		{
			name: "non-member votes are excluded",
			votes: []*store.SignerVote{
				vote("outsider", "agg-1", true),
				vote("s1", "agg-1", true),
				vote("s2", "agg-1", true),
			},
			want: quorum.Pending,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, quorum.Tally(tc.votes, epoch))
		})
	}
}

func TestRecordVote(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}

	setup := func(t *testing.T, epochs quorum.EpochSource) (*quorum.Tracker, *memory.Store) {
		s := memory.New()
		_, err := s.UpsertDeposit(ctx, &store.DepositRequest{Outpoint: outpoint, ObservedAtHeight: 10})
		require.NoError(t, err)
		return quorum.New(logger, s, epochs), s
	}

	t.Run("vote on unknown request", func(t *testing.T) {
		tracker, _ := setup(t, &staticEpochs{epoch: threeOfFive()})

		unknown := store.DepositOutpoint{Txid: *testHash(t, "ff"), OutputIndex: 0}
		err := tracker.RecordVote(ctx, unknown, "s1", true)
		require.ErrorIs(t, err, quorum.ErrUnknownRequest)
	})

	t.Run("vote from non-member signer", func(t *testing.T) {
		tracker, _ := setup(t, &staticEpochs{epoch: threeOfFive()})

		err := tracker.RecordVote(ctx, outpoint, "outsider", true)
		require.ErrorIs(t, err, quorum.ErrUnknownSigner)
	})

	t.Run("no active epoch", func(t *testing.T) {
		tracker, _ := setup(t, &staticEpochs{err: store.ErrEpochNotFound})

		err := tracker.RecordVote(ctx, outpoint, "s1", true)
		require.ErrorIs(t, err, quorum.ErrNoActiveEpoch)
	})

	t.Run("re-vote overwrites while pending", func(t *testing.T) {
		tracker, _ := setup(t, &staticEpochs{epoch: threeOfFive()})

		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s1", false))
		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s1", true))
		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s2", true))

		outcome, err := tracker.Evaluate(ctx, outpoint)
		require.NoError(t, err)
		assert.Equal(t, quorum.Pending, outcome)

		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s3", true))
		outcome, err = tracker.Evaluate(ctx, outpoint)
		require.NoError(t, err)
		assert.Equal(t, quorum.Accepted, outcome)
	})

	t.Run("votes freeze after quorum", func(t *testing.T) {
		tracker, _ := setup(t, &staticEpochs{epoch: threeOfFive()})

		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s1", true))
		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s2", true))
		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s3", true))

		err := tracker.RecordVote(ctx, outpoint, "s4", false)
		require.ErrorIs(t, err, quorum.ErrVotesFrozen)

		// the late vote did not alter the outcome
		outcome, err := tracker.Evaluate(ctx, outpoint)
		require.NoError(t, err)
		assert.Equal(t, quorum.Accepted, outcome)
	})

	t.Run("votes are tagged with the governing epoch", func(t *testing.T) {
		tracker, s := setup(t, &staticEpochs{epoch: threeOfFive()})

		require.NoError(t, tracker.RecordVote(ctx, outpoint, "s1", true))

		votes, err := s.GetVotes(ctx, outpoint)
		require.NoError(t, err)
		require.Len(t, votes, 1)
		assert.Equal(t, "agg-1", votes[0].AggregateKey)
	})
}

// pagingStore records the page sizes requested from ListOpenRequests.
type pagingStore struct {
	store.CoordinatorStore
	limits []int
}

func (p *pagingStore) ListOpenRequests(ctx context.Context, chain store.Chain, afterHeight uint64, afterKey string, limit int) ([]*store.RequestSummary, error) {
	p.limits = append(p.limits, limit)
	return p.CoordinatorStore.ListOpenRequests(ctx, chain, afterHeight, afterKey, limit)
}

func TestReevaluatePendingUsesConfiguredPageSize(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	mem := memory.New()
	for i := range 3 {
		outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: uint32(i)}
		_, err := mem.UpsertDeposit(ctx, &store.DepositRequest{Outpoint: outpoint, ObservedAtHeight: 10})
		require.NoError(t, err)
	}

	s := &pagingStore{CoordinatorStore: mem}
	tracker := quorum.New(logger, s, &staticEpochs{epoch: threeOfFive()},
		quorum.WithListOpenPageSize(1),
	)

	require.NoError(t, tracker.ReevaluatePending(ctx, 100))

	// every page request honors the configured size, and all three open
	// requests are visited one page at a time
	require.NotEmpty(t, s.limits)
	for _, limit := range s.limits {
		assert.Equal(t, 1, limit)
	}
	assert.GreaterOrEqual(t, len(s.limits), 4)
}

func TestEvaluateAcrossEpochTransition(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	s := memory.New()
	outpoint := store.DepositOutpoint{Txid: *testHash(t, "ab"), OutputIndex: 0}
	_, err := s.UpsertDeposit(ctx, &store.DepositRequest{Outpoint: outpoint, ObservedAtHeight: 10})
	require.NoError(t, err)

	epochs := &staticEpochs{epoch: threeOfFive()}
	tracker := quorum.New(logger, s, epochs)

	require.NoError(t, tracker.RecordVote(ctx, outpoint, "s1", true))
	require.NoError(t, tracker.RecordVote(ctx, outpoint, "s2", true))

	// epoch rotates: new signer set, threshold 2-of-3; old votes no longer count
	epochs.epoch = &store.KeyEpoch{
		AggregateKey:       "agg-2",
		SignerSet:          []string{"s3", "s4", "s5"},
		SignaturesRequired: 2,
		State:              store.EpochActive,
		ActivatedAtHeight:  200,
	}
	require.NoError(t, tracker.ReevaluatePending(ctx, 200))

	outcome, err := tracker.Evaluate(ctx, outpoint)
	require.NoError(t, err)
	assert.Equal(t, quorum.Pending, outcome)

	// votes under the new epoch reach the new threshold
	require.NoError(t, tracker.RecordVote(ctx, outpoint, "s3", true))
	require.NoError(t, tracker.RecordVote(ctx, outpoint, "s4", true))

	outcome, err = tracker.Evaluate(ctx, outpoint)
	require.NoError(t, err)
	assert.Equal(t, quorum.Accepted, outcome)
}
