package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/libsv/go-p2p/chaincfg/chainhash"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrBlockNotFound              = errors.New("block not found")
	ErrRequestNotFound            = errors.New("request not found")
	ErrEpochNotFound              = errors.New("key epoch not found")
	ErrSettlementExists           = errors.New("settlement transaction already exists for request")
	ErrTransactionExists          = errors.New("settlement transaction already journaled under txid")
	ErrFailedToOpenDB             = errors.New("failed to open postgres database")
	ErrFailedToInsertBlock        = errors.New("failed to insert block")
	ErrFailedToInsertRequest      = errors.New("failed to insert request")
	ErrFailedToUpsertVote         = errors.New("failed to upsert signer vote")
	ErrFailedToUpsertEpoch        = errors.New("failed to upsert key epoch")
	ErrFailedToInsertSettlement   = errors.New("failed to insert settlement transaction")
	ErrFailedToInsertBroadcast    = errors.New("failed to insert broadcast audit entry")
	ErrFailedToUpsertConfirmation = errors.New("failed to upsert confirmation")
	ErrFailedToInsertEvent        = errors.New("failed to insert outcome event")
	ErrFailedToGetRows            = errors.New("failed to get rows")
	ErrFailedToDeleteRows         = errors.New("failed to delete rows")
)

// CoordinatorStore is the persistence boundary of the coordination engine.
// Mutating methods are atomic with respect to their natural key; the postgres
// implementation relies on per-statement serializable semantics, the memory
// implementation on a store-wide mutex.
type CoordinatorStore interface {
	// Blocks.
	UpsertBlock(ctx context.Context, block *Block) error
	GetBlock(ctx context.Context, chain Chain, hash *chainhash.Hash) (*Block, error)
	GetChainTip(ctx context.Context, chain Chain) (*Block, error)
	// FlipCanonicality atomically marks the given blocks canonical and
	// orphaned respectively. Both slices belong to the same chain.
	FlipCanonicality(ctx context.Context, chain Chain, canonical, orphaned []*chainhash.Hash) error

	// Requests. Upserts return true when a new row was created.
	UpsertDeposit(ctx context.Context, req *DepositRequest) (bool, error)
	UpsertWithdrawal(ctx context.Context, req *WithdrawalRequest) (bool, error)
	GetDeposit(ctx context.Context, outpoint DepositOutpoint) (*DepositRequest, error)
	GetWithdrawal(ctx context.Context, ref WithdrawalRef) (*WithdrawalRequest, error)
	// DeleteRequest removes a request and cascades to its votes.
	DeleteRequest(ctx context.Context, key RequestKey) error
	MarkRequestExpired(ctx context.Context, key RequestKey) error
	// MarkRequestsOrphaned flags requests observed in any of the given
	// blocks and returns the affected keys.
	MarkRequestsOrphaned(ctx context.Context, chain Chain, blocks []*chainhash.Hash, atHeight uint64) ([]RequestKey, error)
	// ListOrphanedRequests returns requests orphaned at or below the given
	// height with no re-observation since.
	ListOrphanedRequests(ctx context.Context, chain Chain, orphanedNotAfter uint64) ([]RequestKey, error)
	// ListOpenRequests pages through non-terminal requests on a chain,
	// ordered by observation height then natural key. Paging restarts from
	// afterKey, empty for the first page.
	ListOpenRequests(ctx context.Context, chain Chain, sinceHeight uint64, afterKey string, limit int) ([]*RequestSummary, error)
	// ListStaleRequests returns open requests observed at or below the
	// given height, used by the pending-request expiry sweep.
	ListStaleRequests(ctx context.Context, chain Chain, observedNotAfter uint64) ([]RequestKey, error)

	// Votes.
	UpsertVote(ctx context.Context, vote *SignerVote) error
	GetVotes(ctx context.Context, key RequestKey) ([]*SignerVote, error)

	// Key epochs.
	UpsertEpoch(ctx context.Context, epoch *KeyEpoch) error
	GetEpoch(ctx context.Context, aggregateKey string) (*KeyEpoch, error)
	GetActiveEpochAt(ctx context.Context, height uint64) (*KeyEpoch, error)
	ListEpochsByState(ctx context.Context, state EpochState) ([]*KeyEpoch, error)

	// Settlement transactions and the broadcast audit trail.
	// InsertSettlementTx returns ErrSettlementExists when a settlement
	// transaction is already recorded for the same request key, and
	// ErrTransactionExists when the txid itself is already journaled.
	InsertSettlementTx(ctx context.Context, tx *SettlementTx) error
	GetSettlementTx(ctx context.Context, txid *chainhash.Hash) (*SettlementTx, error)
	GetSettlementTxByRequest(ctx context.Context, key RequestKey) (*SettlementTx, error)
	InsertBroadcast(ctx context.Context, b *Broadcast) error
	ListBroadcasts(ctx context.Context, txid *chainhash.Hash) ([]*Broadcast, error)
	UpsertConfirmation(ctx context.Context, c *Confirmation) error
	ListConfirmations(ctx context.Context, txid *chainhash.Hash) ([]*Confirmation, error)
	// MarkConfirmationsOrphaned flags confirmations referencing the given
	// blocks and returns the affected txids.
	MarkConfirmationsOrphaned(ctx context.Context, chain Chain, blocks []*chainhash.Hash, atHeight uint64) ([]*chainhash.Hash, error)
	// ListOrphanedConfirmations returns confirmations orphaned at or below
	// the given height with no replacement confirmation since.
	ListOrphanedConfirmations(ctx context.Context, chain Chain, orphanedNotAfter uint64) ([]*Confirmation, error)
	// DeleteConfirmation drops the per-chain confirmation row, used once a
	// compensating event has been emitted for it.
	DeleteConfirmation(ctx context.Context, txid *chainhash.Hash, chain Chain) error

	// Outcome events. InsertOutcomeEvent assigns and returns the sequence id.
	InsertOutcomeEvent(ctx context.Context, ev *OutcomeEvent) (uint64, error)
	GetTerminalEvent(ctx context.Context, txid *chainhash.Hash) (*OutcomeEvent, error)
	ListOutcomeEvents(ctx context.Context, sinceSeq uint64, limit int) ([]*OutcomeEvent, error)

	GetStats(ctx context.Context) (*Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

var ErrMalformedRequestKey = errors.New("malformed request key")

// ParseRequestKey decodes the stable encoding produced by RequestKey.Key.
func ParseRequestKey(encoded string) (RequestKey, error) {
	parts := strings.SplitN(encoded, ":", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedRequestKey
	}

	switch RequestKind(parts[0]) {
	case KindDeposit:
		h, err := chainhash.NewHashFromStr(parts[1])
		if err != nil {
			return nil, errors.Join(ErrMalformedRequestKey, err)
		}
		index, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return nil, errors.Join(ErrMalformedRequestKey, err)
		}
		return DepositOutpoint{Txid: *h, OutputIndex: uint32(index)}, nil
	case KindWithdrawal:
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Join(ErrMalformedRequestKey, err)
		}
		h, err := chainhash.NewHashFromStr(parts[2])
		if err != nil {
			return nil, errors.Join(ErrMalformedRequestKey, err)
		}
		return WithdrawalRef{RequestID: id, StacksBlockHash: *h}, nil
	}

	return nil, ErrMalformedRequestKey
}
