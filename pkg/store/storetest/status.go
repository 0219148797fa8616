package storetest

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

// statuses returns pointers to the status fields behind key. Logs share the
// key of their transaction, so a key may map to several rows.
func (s *Store) statuses(p model.Pipeline, key string) []*model.Status {
	switch p {
	case model.PipelineBlocks:
		if b, ok := s.blocks[key]; ok {
			return []*model.Status{&b.Status}
		}
	case model.PipelineTransactions:
		if tx, ok := s.transactions[key]; ok {
			return []*model.Status{&tx.Status}
		}
	case model.PipelineInternalTransactions:
		if tx, ok := s.transactions[key]; ok {
			return []*model.Status{&tx.InternalStatus}
		}
	case model.PipelineAddresses:
		if a, ok := s.addresses[key]; ok {
			return []*model.Status{&a.Status}
		}
	case model.PipelineLogs:
		out := make([]*model.Status, 0, len(s.logs[key]))
		for _, l := range s.logs[key] {
			out = append(out, &l.Status)
		}

		return out
	}

	return nil
}

func (s *Store) keys(p model.Pipeline) []string {
	var out []string

	switch p {
	case model.PipelineBlocks:
		for k := range s.blocks {
			out = append(out, k)
		}
	case model.PipelineTransactions, model.PipelineInternalTransactions:
		for k := range s.transactions {
			out = append(out, k)
		}
	case model.PipelineAddresses:
		for k := range s.addresses {
			out = append(out, k)
		}
	case model.PipelineLogs:
		for k := range s.logs {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

func (s *Store) SetStatus(_ context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error) {
	if err := model.ValidateTransition(stage.Pipeline, stage.Status, next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for _, key := range keys {
		moved := false

		for _, st := range s.statuses(stage.Pipeline, key) {
			if *st == stage.Status {
				*st = next
				moved = true
			}
		}

		if moved {
			delete(s.locks, lockKey{stage.Pipeline, key})
			out = append(out, key)
		}
	}

	return out, nil
}

func (s *Store) KeysByStatus(_ context.Context, stage model.Stage, after string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for _, key := range s.keys(stage.Pipeline) {
		if key <= after {
			continue
		}

		for _, st := range s.statuses(stage.Pipeline, key) {
			if *st == stage.Status {
				out = append(out, key)

				break
			}
		}

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, pipeline model.Pipeline) (map[model.Status]int64, error) {
	if !pipeline.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownPipeline, pipeline)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Status]int64)

	for _, st := range pipeline.Statuses() {
		out[st] = 0
	}

	for _, key := range s.keys(pipeline) {
		for _, st := range s.statuses(pipeline, key) {
			out[*st]++
		}
	}

	return out, nil
}

func (s *Store) progress(b *model.Block) model.BlockProgress {
	p := model.BlockProgress{
		Hash:             b.Hash,
		Number:           b.Number,
		Status:           b.Status,
		TransactionCount: b.TransactionCount,
	}

	for _, tx := range s.transactions {
		if tx.BlockHash != b.Hash {
			continue
		}

		p.ImportedCount++

		if tx.Status == model.StatusIndexed {
			p.IndexedCount++
		}
	}

	return p
}

func (s *Store) BlockProgress(_ context.Context, fromNumber uint64, limit int) ([]model.BlockProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]*model.Block, 0, len(s.blocks))

	for _, b := range s.blocks {
		if b.Number >= fromNumber {
			blocks = append(blocks, b)
		}
	}

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Number == blocks[j].Number {
			return blocks[i].Hash < blocks[j].Hash
		}

		return blocks[i].Number < blocks[j].Number
	})

	if len(blocks) > limit {
		blocks = blocks[:limit]
	}

	out := make([]model.BlockProgress, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, s.progress(b))
	}

	return out, nil
}

func (s *Store) BlockProgressByHash(_ context.Context, hash string) (*model.BlockProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash, store.ErrNotFound)
	}

	p := s.progress(b)

	return &p, nil
}

func (s *Store) ResetIndexed(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.blocks {
		if b.Status != model.StatusIndexable && b.Status != model.StatusIndexed {
			continue
		}

		if b.TransactionCount == 0 {
			b.Status = model.StatusIndexable
		} else {
			b.Status = model.StatusDownloaded
		}
	}

	for _, tx := range s.transactions {
		if tx.Status == model.StatusIndexed {
			tx.Status = model.StatusIndexable
		}
	}

	for _, a := range s.addresses {
		if a.Status == model.StatusIndexed {
			a.Status = model.StatusDownloaded
		}
	}

	for _, logs := range s.logs {
		for _, l := range logs {
			if l.Status == model.StatusIndexed {
				l.Status = model.StatusDownloaded
			}
		}
	}

	for _, itxs := range s.internal {
		for _, itx := range itxs {
			if itx.Status == model.StatusIndexed {
				itx.Status = model.StatusDownloaded
			}
		}
	}

	s.locks = make(map[lockKey]lock)

	return nil
}

func (s *Store) PromoteBlock(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[hash]
	if !ok || b.Status != model.StatusDownloaded {
		return false, nil
	}

	if s.progress(b).IndexedCount != b.TransactionCount {
		return false, nil
	}

	b.Status = model.StatusIndexable

	return true, nil
}

func (s *Store) PromoteTransaction(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[hash]
	if !ok || tx.Status != model.StatusDownloaded {
		return false, nil
	}

	if tx.InternalStatus != model.StatusDownloaded && tx.InternalStatus != model.StatusSkipped {
		return false, nil
	}

	tx.Status = model.StatusIndexable

	return true, nil
}

// Seed writes records at stage directly, bypassing the state machine.
func (s *Store) Seed(stage model.Stage, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		switch stage.Pipeline {
		case model.PipelineBlocks:
			if _, ok := s.blocks[key]; !ok {
				s.blocks[key] = &model.Block{Hash: key}
			}

			s.blocks[key].Status = stage.Status
		case model.PipelineTransactions, model.PipelineInternalTransactions:
			if _, ok := s.transactions[key]; !ok {
				s.transactions[key] = &model.Transaction{Hash: key, Status: model.StatusDownloaded, InternalStatus: model.StatusPending}
			}

			if stage.Pipeline == model.PipelineTransactions {
				s.transactions[key].Status = stage.Status
			} else {
				s.transactions[key].InternalStatus = stage.Status
			}
		case model.PipelineAddresses:
			if _, ok := s.addresses[key]; !ok {
				s.addresses[key] = &model.Address{Address: key}
			}

			s.addresses[key].Status = stage.Status
		case model.PipelineLogs:
			s.logs[key] = append(s.logs[key], &model.Log{TransactionHash: key, LogIndex: uint(len(s.logs[key])), Status: stage.Status})
		}
	}
}

// StatusOf reads the status of one record; logs report their first row.
func (s *Store) StatusOf(p model.Pipeline, key string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses(p, key)
	if len(st) == 0 {
		return ""
	}

	return *st[0]
}
