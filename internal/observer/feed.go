package observer

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

// ChannelFeed is a BlockFeed backed by a buffered channel, fed by a message
// queue subscription or directly by tests.
type ChannelFeed struct {
	ch chan *BlockEvent
}

func NewChannelFeed(size int) *ChannelFeed {
	return &ChannelFeed{ch: make(chan *BlockEvent, size)}
}

func (f *ChannelFeed) Push(ev *BlockEvent) {
	f.ch <- ev
}

func (f *ChannelFeed) Next(ctx context.Context) (*BlockEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-f.ch:
		return ev, nil
	}
}

// wire shapes for block events arriving over the message queue. Hashes are
// hex encoded in the usual reversed display order.
type wireBlockEvent struct {
	Hash           string           `json:"hash"`
	ParentHash     string           `json:"parentHash"`
	Height         uint64           `json:"height"`
	Confirms       []string         `json:"confirms,omitempty"`
	PreferTip      bool             `json:"preferTip"`
	Deposits       []wireDeposit    `json:"deposits,omitempty"`
	Withdrawals    []wireWithdrawal `json:"withdrawals,omitempty"`
	ConfirmedTxids []string         `json:"confirmedTxids,omitempty"`
}

type wireDeposit struct {
	Txid            string   `json:"txid"`
	OutputIndex     uint32   `json:"outputIndex"`
	SpendScript     string   `json:"spendScript"`
	ReclaimScript   string   `json:"reclaimScript"`
	Recipient       string   `json:"recipient"`
	Amount          uint64   `json:"amount"`
	MaxFee          uint64   `json:"maxFee"`
	SenderAddresses []string `json:"senderAddresses"`
}

type wireWithdrawal struct {
	RequestID       uint64 `json:"requestId"`
	StacksBlockHash string `json:"stacksBlockHash"`
	Recipient       string `json:"recipient"`
	Amount          uint64 `json:"amount"`
	MaxFee          uint64 `json:"maxFee"`
	Sender          string `json:"sender"`
}

// DecodeBlockEvent parses a message queue payload into a BlockEvent for the
// given chain.
func DecodeBlockEvent(data []byte, chain store.Chain) (*BlockEvent, error) {
	var wire wireBlockEvent
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(wire.Hash)
	if err != nil {
		return nil, err
	}
	parent, err := chainhash.NewHashFromStr(wire.ParentHash)
	if err != nil {
		return nil, err
	}

	ev := &BlockEvent{
		Block: &store.Block{
			Hash:       hash,
			ParentHash: parent,
			Height:     wire.Height,
			Chain:      chain,
		},
		PreferTip: wire.PreferTip,
	}

	for _, confirmed := range wire.Confirms {
		h, err := chainhash.NewHashFromStr(confirmed)
		if err != nil {
			return nil, err
		}
		ev.Block.Confirms = append(ev.Block.Confirms, h)
	}

	for _, d := range wire.Deposits {
		txid, err := chainhash.NewHashFromStr(d.Txid)
		if err != nil {
			return nil, err
		}
		spendScript, err := hex.DecodeString(d.SpendScript)
		if err != nil {
			return nil, err
		}
		reclaimScript, err := hex.DecodeString(d.ReclaimScript)
		if err != nil {
			return nil, err
		}
		ev.Deposits = append(ev.Deposits, &store.DepositRequest{
			Outpoint:        store.DepositOutpoint{Txid: *txid, OutputIndex: d.OutputIndex},
			SpendScript:     spendScript,
			ReclaimScript:   reclaimScript,
			Recipient:       d.Recipient,
			Amount:          d.Amount,
			MaxFee:          d.MaxFee,
			SenderAddresses: d.SenderAddresses,
		})
	}

	for _, w := range wire.Withdrawals {
		blockHash, err := chainhash.NewHashFromStr(w.StacksBlockHash)
		if err != nil {
			return nil, err
		}
		ev.Withdrawals = append(ev.Withdrawals, &store.WithdrawalRequest{
			Ref:       store.WithdrawalRef{RequestID: w.RequestID, StacksBlockHash: *blockHash},
			Recipient: w.Recipient,
			Amount:    w.Amount,
			MaxFee:    w.MaxFee,
			Sender:    w.Sender,
		})
	}

	for _, txid := range wire.ConfirmedTxids {
		h, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, err
		}
		ev.ConfirmedTxids = append(ev.ConfirmedTxids, h)
	}

	return ev, nil
}
