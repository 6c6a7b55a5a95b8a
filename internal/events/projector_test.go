package events_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/libsv/go-p2p/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegbridge/pegbridge/internal/events"
	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/store/memory"
)

func testHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return h
}

type publishedMsg struct {
	topic string
	data  []byte
}

type capturingPublisher struct {
	msgs []publishedMsg
}

func (p *capturingPublisher) Publish(topic string, data []byte) error {
	p.msgs = append(p.msgs, publishedMsg{topic: topic, data: data})
	return nil
}

func TestOnConfirmed(t *testing.T) {
	tt := []struct {
		name      string
		txKind    store.TxKind
		wantKind  store.EventKind
		wantTopic string
		noEvent   bool
	}{
		{
			name:      "deposit accept completes the deposit",
			txKind:    store.TxDepositAccept,
			wantKind:  store.EventDepositCompleted,
			wantTopic: events.TopicDepositCompleted,
		},
		{
			name:      "withdrawal request creates the withdrawal",
			txKind:    store.TxWithdrawalRequest,
			wantKind:  store.EventWithdrawalCreated,
			wantTopic: events.TopicWithdrawalEvents,
		},
		{
			name:      "withdrawal accept",
			txKind:    store.TxWithdrawalAccept,
			wantKind:  store.EventWithdrawalAccepted,
			wantTopic: events.TopicWithdrawalEvents,
		},
		{
			name:      "withdrawal reject",
			txKind:    store.TxWithdrawalReject,
			wantKind:  store.EventWithdrawalRejected,
			wantTopic: events.TopicWithdrawalEvents,
		},
		{
			name:    "key rotation has no external outcome",
			txKind:  store.TxKeyRotation,
			noEvent: true,
		},
		{
			name:    "plain settlement has no external outcome",
			txKind:  store.TxSettlement,
			noEvent: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := memory.New()
			publisher := &capturingPublisher{}
			p := events.New(slog.New(slog.DiscardHandler), s, events.WithPublisher(publisher))

			txid := testHash(t, "c1")
			err := p.OnConfirmed(ctx, &store.SettlementTx{Txid: *txid, Kind: tc.txKind})
			require.NoError(t, err)

			if tc.noEvent {
				assert.Empty(t, publisher.msgs)
				_, err = s.GetTerminalEvent(ctx, txid)
				require.ErrorIs(t, err, store.ErrNotFound)
				return
			}

			terminal, err := s.GetTerminalEvent(ctx, txid)
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, terminal.Kind)

			require.Len(t, publisher.msgs, 1)
			assert.Equal(t, tc.wantTopic, publisher.msgs[0].topic)

			var envelope events.Envelope
			require.NoError(t, json.Unmarshal(publisher.msgs[0].data, &envelope))
			assert.Equal(t, terminal.Seq, envelope.Seq)
			assert.Equal(t, string(tc.wantKind), envelope.Kind)
			assert.Equal(t, txid.String(), envelope.Txid)
		})
	}
}

func TestOnConfirmedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	publisher := &capturingPublisher{}
	p := events.New(slog.New(slog.DiscardHandler), s, events.WithPublisher(publisher))

	tx := &store.SettlementTx{Txid: *testHash(t, "c1"), Kind: store.TxDepositAccept}

	require.NoError(t, p.OnConfirmed(ctx, tx))
	require.NoError(t, p.OnConfirmed(ctx, tx))
	require.NoError(t, p.OnConfirmed(ctx, tx))

	all, err := p.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, publisher.msgs, 1)
}

func TestSweepReverted(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	publisher := &capturingPublisher{}
	p := events.New(slog.New(slog.DiscardHandler), s,
		events.WithPublisher(publisher),
		events.WithRevertWindowBlocks(3),
	)

	txid := testHash(t, "c1")
	require.NoError(t, p.OnConfirmed(ctx, &store.SettlementTx{Txid: *txid, Kind: store.TxDepositAccept}))

	require.NoError(t, s.UpsertConfirmation(ctx, &store.Confirmation{
		Txid:      *txid,
		Chain:     store.ChainBitcoin,
		BlockHash: *testHash(t, "01"),
	}))
	_, err := s.MarkConfirmationsOrphaned(ctx, store.ChainBitcoin, []*chainhash.Hash{testHash(t, "01")}, 10)
	require.NoError(t, err)

	// inside the revert window nothing is compensated yet
	require.NoError(t, p.SweepReverted(ctx, store.ChainBitcoin, 12))
	all, err := p.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// past the window the compensating event lands, referencing the original
	require.NoError(t, p.SweepReverted(ctx, store.ChainBitcoin, 13))
	all, err = p.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, store.EventReverted, all[1].Kind)
	assert.Equal(t, all[0].Seq, all[1].RefSeq)

	require.Len(t, publisher.msgs, 2)
	assert.Equal(t, events.TopicEventReverted, publisher.msgs[1].topic)

	// the compensation is single-shot
	require.NoError(t, p.SweepReverted(ctx, store.ChainBitcoin, 20))
	all, err = p.Events(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSweepRevertedSkipsUnprojectedConfirmations(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := events.New(slog.New(slog.DiscardHandler), s, events.WithRevertWindowBlocks(3))

	// confirmed but never projected: nothing to compensate
	txid := testHash(t, "c1")
	require.NoError(t, s.UpsertConfirmation(ctx, &store.Confirmation{
		Txid:      *txid,
		Chain:     store.ChainBitcoin,
		BlockHash: *testHash(t, "01"),
	}))
	_, err := s.MarkConfirmationsOrphaned(ctx, store.ChainBitcoin, []*chainhash.Hash{testHash(t, "01")}, 10)
	require.NoError(t, err)

	require.NoError(t, p.SweepReverted(ctx, store.ChainBitcoin, 20))

	all, err := p.Events(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}
