// Package storetest provides an in-memory store.Store and a row-lock style
// claimer over it, for tests that do not need postgres.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type lockKey struct {
	pipeline model.Pipeline
	key      string
}

type lock struct {
	owner string
	at    time.Time
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	blocks       map[string]*model.Block
	transactions map[string]*model.Transaction
	logs         map[string][]*model.Log
	internal     map[string][]*model.InternalTransaction
	addresses    map[string]*model.Address

	locks map[lockKey]lock

	// Now is the clock used for claim timestamps.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		blocks:       make(map[string]*model.Block),
		transactions: make(map[string]*model.Transaction),
		logs:         make(map[string][]*model.Log),
		internal:     make(map[string][]*model.InternalTransaction),
		addresses:    make(map[string]*model.Address),
		locks:        make(map[lockKey]lock),
		Now:          time.Now,
	}
}

func cloneBlock(b *model.Block) *model.Block {
	c := *b

	return &c
}

func cloneTx(tx *model.Transaction) *model.Transaction {
	c := *tx

	return &c
}

func (s *Store) UpsertBlock(_ context.Context, b *model.Block) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneBlock(b)

	if existing, ok := s.blocks[b.Hash]; ok {
		c.Status = existing.Status
	} else if c.Status == "" {
		c.Status = model.StatusImported
	}

	s.blocks[b.Hash] = c

	return cloneBlock(c), nil
}

func (s *Store) InsertBlockStub(_ context.Context, b *model.Block) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blocks[b.Hash]; ok {
		existing.Number = b.Number
		existing.ParentHash = b.ParentHash

		return existing.Status, nil
	}

	s.blocks[b.Hash] = &model.Block{Hash: b.Hash, Number: b.Number, ParentHash: b.ParentHash, Status: model.StatusImported}

	return model.StatusImported, nil
}

func (s *Store) GetBlocks(_ context.Context, hashes []string) ([]*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Block

	for _, h := range hashes {
		if b, ok := s.blocks[h]; ok {
			out = append(out, cloneBlock(b))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })

	return out, nil
}

func (s *Store) InsertTransactions(_ context.Context, txs []*model.Transaction) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []string

	for _, tx := range txs {
		if _, ok := s.transactions[tx.Hash]; ok {
			continue
		}

		c := cloneTx(tx)

		if c.Status == "" {
			c.Status = model.StatusImported
		}

		if c.InternalStatus == "" {
			c.InternalStatus = model.StatusPending
		}

		s.transactions[tx.Hash] = c
		inserted = append(inserted, tx.Hash)
	}

	return inserted, nil
}

func (s *Store) UpdateReceipt(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactions[tx.Hash]
	if !ok {
		return fmt.Errorf("transaction %s: %w", tx.Hash, store.ErrNotFound)
	}

	existing.To = tx.To
	existing.GasUsed = tx.GasUsed
	existing.CumulativeGasUsed = tx.CumulativeGasUsed
	existing.ReceiptStatus = tx.ReceiptStatus
	existing.LogsBloom = tx.LogsBloom
	existing.ContractAddress = tx.ContractAddress

	return nil
}

func (s *Store) GetTransactions(_ context.Context, hashes []string) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Transaction

	for _, h := range hashes {
		if tx, ok := s.transactions[h]; ok {
			out = append(out, cloneTx(tx))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber == out[j].BlockNumber {
			return out[i].TransactionIndex < out[j].TransactionIndex
		}

		return out[i].BlockNumber < out[j].BlockNumber
	})

	return out, nil
}

func (s *Store) UpsertLogs(_ context.Context, logs []*model.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range logs {
		c := *l

		existing := s.logs[l.TransactionHash]
		replaced := false

		for i, e := range existing {
			if e.LogIndex == l.LogIndex {
				c.Status = e.Status
				existing[i] = &c
				replaced = true
			}
		}

		if !replaced {
			c.Status = model.StatusDownloaded
			s.logs[l.TransactionHash] = append(existing, &c)
		}
	}

	return nil
}

func (s *Store) LogsByTransactions(_ context.Context, txHashes []string) ([]*model.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Log

	for _, h := range txHashes {
		for _, l := range s.logs[h] {
			c := *l
			out = append(out, &c)
		}
	}

	return out, nil
}

func (s *Store) MarkLogsIndexed(ctx context.Context, txHashes []string) error {
	_, err := s.SetStatus(ctx, model.NewStage(model.PipelineLogs, model.StatusDownloaded), txHashes, model.StatusIndexed)

	return err
}

func (s *Store) UpsertInternalTransactions(_ context.Context, itxs []*model.InternalTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, itx := range itxs {
		c := *itx

		existing := s.internal[itx.TransactionHash]
		replaced := false

		for i, e := range existing {
			if e.Index == itx.Index {
				c.Status = e.Status
				existing[i] = &c
				replaced = true
			}
		}

		if !replaced {
			c.Status = model.StatusDownloaded
			s.internal[itx.TransactionHash] = append(existing, &c)
		}
	}

	return nil
}

func (s *Store) InternalTransactionsByTransactions(_ context.Context, txHashes []string) ([]*model.InternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.InternalTransaction

	for _, h := range txHashes {
		for _, itx := range s.internal[h] {
			c := *itx
			out = append(out, &c)
		}
	}

	return out, nil
}

func (s *Store) MarkInternalTransactionsIndexed(_ context.Context, txHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range txHashes {
		for _, itx := range s.internal[h] {
			if itx.Status == model.StatusDownloaded {
				itx.Status = model.StatusIndexed
			}
		}
	}

	return nil
}

func (s *Store) EnsureAddresses(_ context.Context, addresses []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []string

	for _, a := range addresses {
		a = model.NormalizeHex(a)
		if a == "" {
			continue
		}

		if _, ok := s.addresses[a]; ok {
			continue
		}

		s.addresses[a] = &model.Address{Address: a, Status: model.StatusImported}
		created = append(created, a)
	}

	return created, nil
}

func (s *Store) UpdateAddress(_ context.Context, a *model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.addresses[a.Address]
	if !ok {
		return fmt.Errorf("address %s: %w", a.Address, store.ErrNotFound)
	}

	existing.Bytecode = a.Bytecode
	existing.IsContract = a.IsContract
	existing.Implements = a.Implements
	existing.Metadata = a.Metadata

	return nil
}

func (s *Store) GetAddresses(_ context.Context, addresses []string) ([]*model.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Address

	for _, a := range addresses {
		if existing, ok := s.addresses[model.NormalizeHex(a)]; ok {
			c := *existing
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out, nil
}

func (s *Store) ContractABI(_ context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.addresses[model.NormalizeHex(address)]; ok {
		return a.ABI, nil
	}

	return nil, nil
}

func (s *Store) SetContractABI(_ context.Context, address string, abi []byte) error {
	if !json.Valid(abi) {
		return fmt.Errorf("abi for %s is not valid json", address)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	address = model.NormalizeHex(address)

	a, ok := s.addresses[address]
	if !ok {
		a = &model.Address{Address: address, Status: model.StatusImported}
		s.addresses[address] = a
	}

	a.ABI = append([]byte(nil), abi...)

	return nil
}
