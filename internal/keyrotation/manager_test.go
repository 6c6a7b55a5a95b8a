package keyrotation_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/libsv/go-p2p/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegbridge/pegbridge/internal/keyrotation"
	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/store/memory"
)

func testHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return h
}

type reevaluateRecorder struct {
	heights []uint64
}

func (r *reevaluateRecorder) ReevaluatePending(_ context.Context, atHeight uint64) error {
	r.heights = append(r.heights, atHeight)
	return nil
}

func newEpoch(key string) *store.KeyEpoch {
	return &store.KeyEpoch{
		AggregateKey:       key,
		SignerSet:          []string{"s1", "s2", "s3"},
		SignaturesRequired: 2,
	}
}

func TestRotationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	m := keyrotation.New(slog.New(slog.DiscardHandler), s)

	recorder := &reevaluateRecorder{}
	m.RegisterReevaluator(recorder)

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))

	epoch, err := s.GetEpoch(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, store.EpochGenerating, epoch.State)

	rotationTxid := testHash(t, "aa")
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-1", rotationTxid))

	epoch, err = s.GetEpoch(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, store.EpochPendingConfirmation, epoch.State)
	assert.Equal(t, rotationTxid, epoch.RotationTxid)

	require.NoError(t, m.Activate(ctx, "agg-1", 100))

	epoch, err = s.GetEpoch(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, store.EpochActive, epoch.State)
	assert.Equal(t, uint64(100), epoch.ActivatedAtHeight)

	current, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agg-1", current.AggregateKey)

	require.Equal(t, []uint64{100}, recorder.heights)
}

func TestRecordDKGRequiresAggregateKey(t *testing.T) {
	ctx := context.Background()
	m := keyrotation.New(slog.New(slog.DiscardHandler), memory.New())

	err := m.RecordDKG(ctx, newEpoch(""))
	require.ErrorIs(t, err, keyrotation.ErrInvalidTransition)
}

func TestSecondPendingRotationConflicts(t *testing.T) {
	ctx := context.Background()
	m := keyrotation.New(slog.New(slog.DiscardHandler), memory.New())

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))
	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-2")))

	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-1", testHash(t, "aa")))

	err := m.MarkPendingConfirmation(ctx, "agg-2", testHash(t, "bb"))
	require.ErrorIs(t, err, keyrotation.ErrConflictingEpoch)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	m := keyrotation.New(slog.New(slog.DiscardHandler), memory.New())

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))

	// generating epochs cannot be activated directly
	err := m.Activate(ctx, "agg-1", 100)
	require.ErrorIs(t, err, keyrotation.ErrInvalidTransition)

	err = m.MarkPendingConfirmation(ctx, "missing", testHash(t, "aa"))
	require.ErrorIs(t, err, keyrotation.ErrEpochNotFound)
}

func TestActivationRetiresPriorEpoch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	m := keyrotation.New(slog.New(slog.DiscardHandler), s)

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-1", testHash(t, "aa")))
	require.NoError(t, m.Activate(ctx, "agg-1", 100))

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-2")))
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-2", testHash(t, "bb")))
	require.NoError(t, m.Activate(ctx, "agg-2", 200))

	prior, err := s.GetEpoch(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, store.EpochRetired, prior.State)
	assert.Equal(t, uint64(200), prior.RetiredAtHeight)

	current, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agg-2", current.AggregateKey)

	// historical lookups still resolve to the retired epoch
	historical, err := m.ActiveAt(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, "agg-1", historical.AggregateKey)

	atTransition, err := m.ActiveAt(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, "agg-2", atTransition.AggregateKey)
}

func TestActivateByRotationTxid(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	m := keyrotation.New(slog.New(slog.DiscardHandler), s)

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))
	rotationTxid := testHash(t, "aa")
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-1", rotationTxid))

	// a txid with no pending rotation is ignored
	require.NoError(t, m.ActivateByRotationTxid(ctx, testHash(t, "ff"), 99))
	_, err := m.Current(ctx)
	require.ErrorIs(t, err, keyrotation.ErrNoActiveEpoch)

	require.NoError(t, m.ActivateByRotationTxid(ctx, rotationTxid, 100))

	current, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agg-1", current.AggregateKey)
	assert.Equal(t, uint64(100), current.ActivatedAtHeight)

	// once active, the same confirmation is a no-op
	require.NoError(t, m.ActivateByRotationTxid(ctx, rotationTxid, 101))
	current, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), current.ActivatedAtHeight)
}

func TestOverlappingActivationConflicts(t *testing.T) {
	ctx := context.Background()
	m := keyrotation.New(slog.New(slog.DiscardHandler), memory.New())

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-1")))
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-1", testHash(t, "aa")))
	require.NoError(t, m.Activate(ctx, "agg-1", 100))

	require.NoError(t, m.RecordDKG(ctx, newEpoch("agg-2")))
	require.NoError(t, m.MarkPendingConfirmation(ctx, "agg-2", testHash(t, "bb")))

	err := m.Activate(ctx, "agg-2", 100)
	require.ErrorIs(t, err, keyrotation.ErrConflictingEpoch)

	// the prior epoch stays active and untouched
	current, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agg-1", current.AggregateKey)
}

func TestCurrentWithoutActiveEpoch(t *testing.T) {
	ctx := context.Background()
	m := keyrotation.New(slog.New(slog.DiscardHandler), memory.New())

	_, err := m.Current(ctx)
	require.ErrorIs(t, err, keyrotation.ErrNoActiveEpoch)
}
