package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libsv/go-p2p/chaincfg/chainhash"
)

// Chain identifies which of the two bridged ledgers a record belongs to.
type Chain string

const (
	ChainBitcoin Chain = "bitcoin"
	ChainStacks  Chain = "stacks"
)

// GenesisParent is the sentinel parent hash carried by a genesis block.
var GenesisParent = chainhash.Hash{}

// Block is a chain block header as tracked by the coordinator. Blocks are
// never mutated after ingestion; only their canonicality flag flips during
// reorg resolution.
type Block struct {
	Hash       *chainhash.Hash
	ParentHash *chainhash.Hash
	Height     uint64
	Chain      Chain
	Canonical  bool

	// Confirms holds the hashes of prior blocks this block directly
	// confirms, as reported by the Bitcoin-side feed. The set is
	// persisted for audit queries only; reorg resolution walks the
	// single-parent chain and never consults it.
	Confirms []*chainhash.Hash
}

// RequestKind discriminates the two request families.
type RequestKind string

const (
	KindDeposit    RequestKind = "deposit"
	KindWithdrawal RequestKind = "withdrawal"
)

// RequestKey is the natural key of a deposit or withdrawal request. Key()
// returns a stable encoding used for vote ownership and settlement linkage.
type RequestKey interface {
	Kind() RequestKind
	Key() string
}

// DepositOutpoint identifies the UTXO offered as bridge collateral.
type DepositOutpoint struct {
	Txid        chainhash.Hash
	OutputIndex uint32
}

func (o DepositOutpoint) Kind() RequestKind { return KindDeposit }

func (o DepositOutpoint) Key() string {
	return fmt.Sprintf("deposit:%s:%d", o.Txid.String(), o.OutputIndex)
}

// WithdrawalRef identifies a withdrawal request. The chain-assigned request
// id is only unique together with the block that announced it, so the same
// logical withdrawal can reappear under a different block after a reorg.
type WithdrawalRef struct {
	RequestID       uint64
	StacksBlockHash chainhash.Hash
}

func (r WithdrawalRef) Kind() RequestKind { return KindWithdrawal }

func (r WithdrawalRef) Key() string {
	return fmt.Sprintf("withdrawal:%d:%s", r.RequestID, r.StacksBlockHash.String())
}

// DepositRequest is a deposit observed in a confirmed Bitcoin block.
type DepositRequest struct {
	Outpoint        DepositOutpoint
	SpendScript     []byte
	ReclaimScript   []byte
	Recipient       string
	Amount          uint64
	MaxFee          uint64
	SenderAddresses []string

	ObservedInBlock  chainhash.Hash
	ObservedAtHeight uint64

	// OrphanedAtHeight is set when the observing block is reorged away and
	// cleared again if the request is re-observed. Zero while canonical.
	OrphanedAtHeight uint64
	Expired          bool
}

// WithdrawalRequest is a withdrawal observed in a confirmed Stacks block.
type WithdrawalRequest struct {
	Ref      WithdrawalRef
	Recipient string
	Amount   uint64
	MaxFee   uint64
	Sender   string

	ObservedInBlock  chainhash.Hash
	ObservedAtHeight uint64

	OrphanedAtHeight uint64
	Expired          bool
}

// RequestSummary is the projection returned by open-request listings.
type RequestSummary struct {
	Key            RequestKey
	Chain          Chain
	ObservedHeight uint64
	Amount         uint64
	MaxFee         uint64
	Recipient      string
}

// SignerVote is a single signer's decision on a request. One row per
// (request, signer); re-votes overwrite until the request leaves PENDING.
type SignerVote struct {
	Request      RequestKey
	SignerPubKey string
	Accepted     bool

	// AggregateKey names the key epoch the vote was cast under. Votes from
	// since-retired epochs are excluded from evaluation.
	AggregateKey string
	CastAt       time.Time
}

// EpochState is the lifecycle state of a key epoch.
type EpochState string

const (
	EpochGenerating          EpochState = "generating"
	EpochPendingConfirmation EpochState = "pending_confirmation"
	EpochActive              EpochState = "active"
	EpochRetired             EpochState = "retired"
)

// KeyEpoch holds one DKG round's output together with the rotate-keys
// transaction that anchors it on-chain. The signer set and threshold are only
// authoritative once the rotation transaction has confirmed.
type KeyEpoch struct {
	AggregateKey       string
	EncryptedShares    []byte
	PublicShares       []byte
	SignerSet          []string
	SignaturesRequired uint16
	State              EpochState
	RotationTxid       *chainhash.Hash

	// Height-range validity on the custody chain. ActivatedAtHeight is the
	// first height the epoch governs; RetiredAtHeight is the first height it
	// no longer governs, zero while still open ended.
	ActivatedAtHeight uint64
	RetiredAtHeight   uint64
}

// TxKind enumerates the settlement transaction kinds.
type TxKind string

const (
	TxSettlement        TxKind = "settlement"
	TxDepositRequest    TxKind = "deposit-request"
	TxDepositAccept     TxKind = "deposit-accept"
	TxWithdrawalRequest TxKind = "withdrawal-request"
	TxWithdrawalAccept  TxKind = "withdrawal-accept"
	TxWithdrawalReject  TxKind = "withdrawal-reject"
	TxKeyRotation       TxKind = "key-rotation"
)

// SettlementTx is a constructed, quorum-authorized transaction. At most one
// settlement transaction may ever exist per request key.
type SettlementTx struct {
	Txid       chainhash.Hash
	Kind       TxKind
	RequestKey string // empty for key-rotation transactions
	Raw        []byte
}

// Broadcast is one append-only audit entry for a transaction handed to the
// network, recording conditions at broadcast time. What later confirms is
// tracked separately via Confirmation rows.
type Broadcast struct {
	ID              uuid.UUID
	Txid            chainhash.Hash
	BroadcastHeight uint64
	FeeRate         float64
	BroadcastAt     time.Time
}

// Confirmation joins a settlement transaction to a block that confirms it.
// Per chain at most one confirming block is current; reorgs replace it.
type Confirmation struct {
	Txid      chainhash.Hash
	Chain     Chain
	BlockHash chainhash.Hash

	// OrphanedAtHeight is set when the confirming block is reorged away with
	// no replacement yet. Zero while the confirmation stands.
	OrphanedAtHeight uint64
}

// EventKind enumerates projected outcome events.
type EventKind string

const (
	EventDepositCompleted   EventKind = "deposit-completed"
	EventWithdrawalCreated  EventKind = "withdrawal-created"
	EventWithdrawalAccepted EventKind = "withdrawal-accepted"
	EventWithdrawalRejected EventKind = "withdrawal-rejected"
	EventReverted           EventKind = "reverted"
)

// OutcomeEvent is the append-only external-facing record of a chain-confirmed
// outcome. Events are never updated or deleted; a later reorg produces a
// compensating EventReverted row referencing the original sequence number.
type OutcomeEvent struct {
	Seq       uint64
	Txid      chainhash.Hash
	Kind      EventKind
	RefSeq    uint64 // for EventReverted: the Seq of the reverted event
	EmittedAt time.Time
}

// Stats is the snapshot collected for prometheus gauges.
type Stats struct {
	OpenDeposits      int64
	OpenWithdrawals   int64
	PendingVotes      int64
	ActiveEpochHeight int64
}
