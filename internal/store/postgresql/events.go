package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func (p *PostgreSQL) InsertOutcomeEvent(ctx context.Context, ev *store.OutcomeEvent) (uint64, error) {
	ctx, span := tracing.StartTracing(ctx, "InsertOutcomeEvent", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		INSERT INTO outcome_events (txid, kind, ref_seq, emitted_at)
		VALUES ($1, $2, $3, $4)
		RETURNING seq
	`

	emittedAt := ev.EmittedAt
	if emittedAt.IsZero() {
		emittedAt = p.now()
	}

	var seq uint64
	err := p.db.QueryRowContext(ctx, q, ev.Txid[:], ev.Kind, ev.RefSeq, emittedAt).Scan(&seq)
	if err != nil {
		return 0, errors.Join(store.ErrFailedToInsertEvent, err)
	}
	return seq, nil
}

func (p *PostgreSQL) GetTerminalEvent(ctx context.Context, txid *chainhash.Hash) (*store.OutcomeEvent, error) {
	ctx, span := tracing.StartTracing(ctx, "GetTerminalEvent", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT seq, kind, ref_seq, emitted_at
		FROM outcome_events
		WHERE txid = $1 AND kind <> $2
		ORDER BY seq
		LIMIT 1
	`

	ev := &store.OutcomeEvent{Txid: *txid}
	err := p.db.QueryRowContext(ctx, q, txid[:], store.EventReverted).Scan(
		&ev.Seq, &ev.Kind, &ev.RefSeq, &ev.EmittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	return ev, nil
}

func (p *PostgreSQL) ListOutcomeEvents(ctx context.Context, sinceSeq uint64, limit int) ([]*store.OutcomeEvent, error) {
	ctx, span := tracing.StartTracing(ctx, "ListOutcomeEvents", p.tracingEnabled, p.tracingAttributes...)
	defer tracing.EndTracing(span)

	q := `
		SELECT seq, txid, kind, ref_seq, emitted_at
		FROM outcome_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`

	rows, err := p.db.QueryContext(ctx, q, sinceSeq, limit)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToGetRows, err)
	}
	defer rows.Close()

	var out []*store.OutcomeEvent
	for rows.Next() {
		ev := &store.OutcomeEvent{}
		var txid []byte
		err = rows.Scan(&ev.Seq, &txid, &ev.Kind, &ev.RefSeq, &ev.EmittedAt)
		if err != nil {
			return nil, err
		}
		h, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, err
		}
		ev.Txid = *h
		out = append(out, ev)
	}
	return out, rows.Err()
}
