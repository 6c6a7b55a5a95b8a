// Package memory provides an in-process CoordinatorStore used by unit tests
// and single-node deployments. Cascades that the postgres schema expresses as
// foreign keys are applied explicitly here, guarded by one store-wide mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libsv/go-p2p/chaincfg/chainhash"

	"github.com/pegbridge/pegbridge/internal/store"
)

type Store struct {
	mu sync.RWMutex

	blocks map[store.Chain]map[chainhash.Hash]*store.Block

	deposits    map[string]*store.DepositRequest
	withdrawals map[string]*store.WithdrawalRequest

	votes map[string]map[string]*store.SignerVote

	epochs map[string]*store.KeyEpoch

	settlements         map[chainhash.Hash]*store.SettlementTx
	settlementByRequest map[string]chainhash.Hash
	broadcasts          map[chainhash.Hash][]*store.Broadcast
	confirmations       map[chainhash.Hash]map[store.Chain]*store.Confirmation

	events         []*store.OutcomeEvent
	terminalByTxid map[chainhash.Hash]uint64
	seq            uint64

	now func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*Store) {
	return func(s *Store) {
		s.now = nowFunc
	}
}

func New(opts ...func(*Store)) *Store {
	s := &Store{
		blocks: map[store.Chain]map[chainhash.Hash]*store.Block{
			store.ChainBitcoin: {},
			store.ChainStacks:  {},
		},
		deposits:            map[string]*store.DepositRequest{},
		withdrawals:         map[string]*store.WithdrawalRequest{},
		votes:               map[string]map[string]*store.SignerVote{},
		epochs:              map[string]*store.KeyEpoch{},
		settlements:         map[chainhash.Hash]*store.SettlementTx{},
		settlementByRequest: map[string]chainhash.Hash{},
		broadcasts:          map[chainhash.Hash][]*store.Broadcast{},
		confirmations:       map[chainhash.Hash]map[store.Chain]*store.Confirmation{},
		terminalByTxid:      map[chainhash.Hash]uint64{},
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) UpsertBlock(_ context.Context, block *store.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash := s.blocks[block.Chain]
	if _, ok := byHash[*block.Hash]; ok {
		// blocks are immutable once ingested
		return nil
	}

	cp := *block
	byHash[*block.Hash] = &cp
	return nil
}

func (s *Store) GetBlock(_ context.Context, chain store.Chain, hash *chainhash.Hash) (*store.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[chain][*hash]
	if !ok {
		return nil, store.ErrBlockNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetChainTip(_ context.Context, chain store.Chain) (*store.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tip *store.Block
	for _, b := range s.blocks[chain] {
		if !b.Canonical {
			continue
		}
		if tip == nil || b.Height > tip.Height {
			tip = b
		}
	}
	if tip == nil {
		return nil, store.ErrBlockNotFound
	}
	cp := *tip
	return &cp, nil
}

func (s *Store) FlipCanonicality(_ context.Context, chain store.Chain, canonical, orphaned []*chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash := s.blocks[chain]
	for _, h := range canonical {
		b, ok := byHash[*h]
		if !ok {
			return store.ErrBlockNotFound
		}
		b.Canonical = true
	}
	for _, h := range orphaned {
		b, ok := byHash[*h]
		if !ok {
			return store.ErrBlockNotFound
		}
		b.Canonical = false
	}
	return nil
}

func (s *Store) UpsertDeposit(_ context.Context, req *store.DepositRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Outpoint.Key()
	existing, ok := s.deposits[key]
	if ok {
		// re-observation after a reorg refreshes the observing block and
		// clears the orphan mark; everything else is immutable
		existing.ObservedInBlock = req.ObservedInBlock
		existing.ObservedAtHeight = req.ObservedAtHeight
		existing.OrphanedAtHeight = 0
		return false, nil
	}

	cp := *req
	cp.OrphanedAtHeight = 0
	s.deposits[key] = &cp
	return true, nil
}

func (s *Store) UpsertWithdrawal(_ context.Context, req *store.WithdrawalRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Ref.Key()
	existing, ok := s.withdrawals[key]
	if ok {
		existing.ObservedInBlock = req.ObservedInBlock
		existing.ObservedAtHeight = req.ObservedAtHeight
		existing.OrphanedAtHeight = 0
		return false, nil
	}

	cp := *req
	cp.OrphanedAtHeight = 0
	s.withdrawals[key] = &cp
	return true, nil
}

func (s *Store) GetDeposit(_ context.Context, outpoint store.DepositOutpoint) (*store.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.deposits[outpoint.Key()]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *Store) GetWithdrawal(_ context.Context, ref store.WithdrawalRef) (*store.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.withdrawals[ref.Key()]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *Store) DeleteRequest(_ context.Context, key store.RequestKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := key.Key()
	switch key.Kind() {
	case store.KindDeposit:
		delete(s.deposits, encoded)
	case store.KindWithdrawal:
		delete(s.withdrawals, encoded)
	}

	// cascade: votes are owned by their request
	delete(s.votes, encoded)
	return nil
}

func (s *Store) MarkRequestExpired(_ context.Context, key store.RequestKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key.Kind() {
	case store.KindDeposit:
		req, ok := s.deposits[key.Key()]
		if !ok {
			return store.ErrRequestNotFound
		}
		req.Expired = true
	case store.KindWithdrawal:
		req, ok := s.withdrawals[key.Key()]
		if !ok {
			return store.ErrRequestNotFound
		}
		req.Expired = true
	}
	return nil
}

func (s *Store) MarkRequestsOrphaned(_ context.Context, chain store.Chain, blocks []*chainhash.Hash, atHeight uint64) ([]store.RequestKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphanedBlocks := map[chainhash.Hash]struct{}{}
	for _, h := range blocks {
		orphanedBlocks[*h] = struct{}{}
	}

	var affected []store.RequestKey
	if chain == store.ChainBitcoin {
		for _, req := range s.deposits {
			if _, hit := orphanedBlocks[req.ObservedInBlock]; hit && req.OrphanedAtHeight == 0 {
				req.OrphanedAtHeight = atHeight
				affected = append(affected, req.Outpoint)
			}
		}
	} else {
		for _, req := range s.withdrawals {
			if _, hit := orphanedBlocks[req.ObservedInBlock]; hit && req.OrphanedAtHeight == 0 {
				req.OrphanedAtHeight = atHeight
				affected = append(affected, req.Ref)
			}
		}
	}
	return affected, nil
}

func (s *Store) ListOrphanedRequests(_ context.Context, chain store.Chain, orphanedNotAfter uint64) ([]store.RequestKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []store.RequestKey
	if chain == store.ChainBitcoin {
		for _, req := range s.deposits {
			if req.OrphanedAtHeight > 0 && req.OrphanedAtHeight <= orphanedNotAfter {
				keys = append(keys, req.Outpoint)
			}
		}
	} else {
		for _, req := range s.withdrawals {
			if req.OrphanedAtHeight > 0 && req.OrphanedAtHeight <= orphanedNotAfter {
				keys = append(keys, req.Ref)
			}
		}
	}
	return keys, nil
}

func (s *Store) ListOpenRequests(_ context.Context, chain store.Chain, sinceHeight uint64, afterKey string, limit int) ([]*store.RequestSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*store.RequestSummary
	if chain == store.ChainBitcoin {
		for _, req := range s.deposits {
			if !s.openLocked(req.Outpoint, req.Expired, req.OrphanedAtHeight) || req.ObservedAtHeight < sinceHeight {
				continue
			}
			all = append(all, &store.RequestSummary{
				Key:            req.Outpoint,
				Chain:          chain,
				ObservedHeight: req.ObservedAtHeight,
				Amount:         req.Amount,
				MaxFee:         req.MaxFee,
				Recipient:      req.Recipient,
			})
		}
	} else {
		for _, req := range s.withdrawals {
			if !s.openLocked(req.Ref, req.Expired, req.OrphanedAtHeight) || req.ObservedAtHeight < sinceHeight {
				continue
			}
			all = append(all, &store.RequestSummary{
				Key:            req.Ref,
				Chain:          chain,
				ObservedHeight: req.ObservedAtHeight,
				Amount:         req.Amount,
				MaxFee:         req.MaxFee,
				Recipient:      req.Sender,
			})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].ObservedHeight != all[j].ObservedHeight {
			return all[i].ObservedHeight < all[j].ObservedHeight
		}
		return all[i].Key.Key() < all[j].Key.Key()
	})

	start := 0
	if afterKey != "" {
		for i, summary := range all {
			if summary.Key.Key() == afterKey {
				start = i + 1
				break
			}
		}
	}

	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return all[start:end], nil
}

func (s *Store) ListStaleRequests(_ context.Context, chain store.Chain, observedNotAfter uint64) ([]store.RequestKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []store.RequestKey
	if chain == store.ChainBitcoin {
		for _, req := range s.deposits {
			if s.openLocked(req.Outpoint, req.Expired, req.OrphanedAtHeight) && req.ObservedAtHeight <= observedNotAfter {
				keys = append(keys, req.Outpoint)
			}
		}
	} else {
		for _, req := range s.withdrawals {
			if s.openLocked(req.Ref, req.Expired, req.OrphanedAtHeight) && req.ObservedAtHeight <= observedNotAfter {
				keys = append(keys, req.Ref)
			}
		}
	}
	return keys, nil
}

// openLocked reports whether a request is still open: not expired, not
// orphaned, and without a settlement transaction. Callers hold s.mu.
func (s *Store) openLocked(key store.RequestKey, expired bool, orphanedAt uint64) bool {
	if expired || orphanedAt > 0 {
		return false
	}
	_, settled := s.settlementByRequest[key.Key()]
	return !settled
}

func (s *Store) UpsertVote(_ context.Context, vote *store.SignerVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := vote.Request.Key()
	byPubKey, ok := s.votes[encoded]
	if !ok {
		byPubKey = map[string]*store.SignerVote{}
		s.votes[encoded] = byPubKey
	}

	cp := *vote
	if cp.CastAt.IsZero() {
		cp.CastAt = s.now()
	}
	byPubKey[vote.SignerPubKey] = &cp
	return nil
}

func (s *Store) GetVotes(_ context.Context, key store.RequestKey) ([]*store.SignerVote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPubKey := s.votes[key.Key()]
	votes := make([]*store.SignerVote, 0, len(byPubKey))
	for _, v := range byPubKey {
		cp := *v
		votes = append(votes, &cp)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].SignerPubKey < votes[j].SignerPubKey })
	return votes, nil
}

func (s *Store) UpsertEpoch(_ context.Context, epoch *store.KeyEpoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *epoch
	s.epochs[epoch.AggregateKey] = &cp
	return nil
}

func (s *Store) GetEpoch(_ context.Context, aggregateKey string) (*store.KeyEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	epoch, ok := s.epochs[aggregateKey]
	if !ok {
		return nil, store.ErrEpochNotFound
	}
	cp := *epoch
	return &cp, nil
}

func (s *Store) GetActiveEpochAt(_ context.Context, height uint64) (*store.KeyEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, epoch := range s.epochs {
		if epoch.State != store.EpochActive && epoch.State != store.EpochRetired {
			continue
		}
		if epoch.ActivatedAtHeight > height {
			continue
		}
		if epoch.RetiredAtHeight == 0 || height < epoch.RetiredAtHeight {
			cp := *epoch
			return &cp, nil
		}
	}
	return nil, store.ErrEpochNotFound
}

func (s *Store) ListEpochsByState(_ context.Context, state store.EpochState) ([]*store.KeyEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var epochs []*store.KeyEpoch
	for _, epoch := range s.epochs {
		if epoch.State == state {
			cp := *epoch
			epochs = append(epochs, &cp)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i].ActivatedAtHeight < epochs[j].ActivatedAtHeight })
	return epochs, nil
}

func (s *Store) InsertSettlementTx(_ context.Context, tx *store.SettlementTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.RequestKey != "" {
		if _, exists := s.settlementByRequest[tx.RequestKey]; exists {
			return store.ErrSettlementExists
		}
	}
	if _, exists := s.settlements[tx.Txid]; exists {
		return store.ErrTransactionExists
	}

	cp := *tx
	s.settlements[tx.Txid] = &cp
	if tx.RequestKey != "" {
		s.settlementByRequest[tx.RequestKey] = tx.Txid
	}
	return nil
}

func (s *Store) GetSettlementTx(_ context.Context, txid *chainhash.Hash) (*store.SettlementTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.settlements[*txid]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) GetSettlementTxByRequest(_ context.Context, key store.RequestKey) (*store.SettlementTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txid, ok := s.settlementByRequest[key.Key()]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.settlements[txid]
	return &cp, nil
}

func (s *Store) InsertBroadcast(_ context.Context, b *store.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	if cp.BroadcastAt.IsZero() {
		cp.BroadcastAt = s.now()
	}
	s.broadcasts[b.Txid] = append(s.broadcasts[b.Txid], &cp)
	return nil
}

func (s *Store) ListBroadcasts(_ context.Context, txid *chainhash.Hash) ([]*store.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.broadcasts[*txid]
	out := make([]*store.Broadcast, 0, len(entries))
	for _, b := range entries {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpsertConfirmation(_ context.Context, c *store.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byChain, ok := s.confirmations[c.Txid]
	if !ok {
		byChain = map[store.Chain]*store.Confirmation{}
		s.confirmations[c.Txid] = byChain
	}

	cp := *c
	cp.OrphanedAtHeight = 0
	byChain[c.Chain] = &cp
	return nil
}

func (s *Store) ListConfirmations(_ context.Context, txid *chainhash.Hash) ([]*store.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byChain := s.confirmations[*txid]
	out := make([]*store.Confirmation, 0, len(byChain))
	for _, c := range byChain {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out, nil
}

func (s *Store) MarkConfirmationsOrphaned(_ context.Context, chain store.Chain, blocks []*chainhash.Hash, atHeight uint64) ([]*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphanedBlocks := map[chainhash.Hash]struct{}{}
	for _, h := range blocks {
		orphanedBlocks[*h] = struct{}{}
	}

	var affected []*chainhash.Hash
	for txid, byChain := range s.confirmations {
		c, ok := byChain[chain]
		if !ok || c.OrphanedAtHeight > 0 {
			continue
		}
		if _, hit := orphanedBlocks[c.BlockHash]; hit {
			c.OrphanedAtHeight = atHeight
			cp := txid
			affected = append(affected, &cp)
		}
	}
	return affected, nil
}

func (s *Store) ListOrphanedConfirmations(_ context.Context, chain store.Chain, orphanedNotAfter uint64) ([]*store.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Confirmation
	for _, byChain := range s.confirmations {
		c, ok := byChain[chain]
		if !ok {
			continue
		}
		if c.OrphanedAtHeight > 0 && c.OrphanedAtHeight <= orphanedNotAfter {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteConfirmation(_ context.Context, txid *chainhash.Hash, chain store.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byChain, ok := s.confirmations[*txid]
	if !ok {
		return nil
	}
	delete(byChain, chain)
	if len(byChain) == 0 {
		delete(s.confirmations, *txid)
	}
	return nil
}

func (s *Store) InsertOutcomeEvent(_ context.Context, ev *store.OutcomeEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	cp := *ev
	cp.Seq = s.seq
	if cp.EmittedAt.IsZero() {
		cp.EmittedAt = s.now()
	}
	s.events = append(s.events, &cp)

	if cp.Kind != store.EventReverted {
		if _, exists := s.terminalByTxid[cp.Txid]; !exists {
			s.terminalByTxid[cp.Txid] = cp.Seq
		}
	}
	return cp.Seq, nil
}

func (s *Store) GetTerminalEvent(_ context.Context, txid *chainhash.Hash) (*store.OutcomeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.terminalByTxid[*txid]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.events[seq-1]
	return &cp, nil
}

func (s *Store) ListOutcomeEvents(_ context.Context, sinceSeq uint64, limit int) ([]*store.OutcomeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.OutcomeEvent
	for _, ev := range s.events {
		if ev.Seq <= sinceSeq {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetStats(_ context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{}
	for _, req := range s.deposits {
		if s.openLocked(req.Outpoint, req.Expired, req.OrphanedAtHeight) {
			stats.OpenDeposits++
			stats.PendingVotes += int64(len(s.votes[req.Outpoint.Key()]))
		}
	}
	for _, req := range s.withdrawals {
		if s.openLocked(req.Ref, req.Expired, req.OrphanedAtHeight) {
			stats.OpenWithdrawals++
			stats.PendingVotes += int64(len(s.votes[req.Ref.Key()]))
		}
	}
	for _, epoch := range s.epochs {
		if epoch.State == store.EpochActive && int64(epoch.ActivatedAtHeight) > stats.ActiveEpochHeight {
			stats.ActiveEpochHeight = int64(epoch.ActivatedAtHeight)
		}
	}
	return stats, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }
