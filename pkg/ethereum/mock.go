package ethereum

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Compile-time checks for the test doubles.
var (
	_ Client = (*MockClient)(nil)
	_ Node   = (*MockNode)(nil)
)

// MockClient is an in-memory chain for tests. It should only be used in
// test files, not in production code.
type MockClient struct {
	mu sync.Mutex

	blocks    map[string]*Block
	canonical map[uint64]string
	head      string
	receipts  map[string]*Receipt
	code      map[string]string
	results   map[string][]byte
	failures  map[string]error

	// Calls counts invocations per method name.
	Calls map[string]int
}

func NewMockClient() *MockClient {
	return &MockClient{
		blocks:    make(map[string]*Block),
		canonical: make(map[uint64]string),
		receipts:  make(map[string]*Receipt),
		code:      make(map[string]string),
		results:   make(map[string][]byte),
		failures:  make(map[string]error),
		Calls:     make(map[string]int),
	}
}

// AddBlock stores b, makes it canonical at its height and moves the head
// forward when b is higher than the current head.
func (m *MockClient) AddBlock(b *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[b.Hash] = b
	m.canonical[b.Number] = b.Hash

	if cur, ok := m.blocks[m.head]; !ok || b.Number >= cur.Number {
		m.head = b.Hash
	}
}

// AddFork stores b without making it canonical or moving the head.
func (m *MockClient) AddFork(b *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[b.Hash] = b
}

func (m *MockClient) SetHead(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head = hash
}

func (m *MockClient) SetReceipt(r *Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.receipts[r.TransactionHash] = r
}

func (m *MockClient) SetCode(address, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.code[model.NormalizeHex(address)] = code
}

// SetCallResult answers CallContract(address, data) with ret.
func (m *MockClient) SetCallResult(address string, data, ret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[callKey(address, data)] = ret
}

// Fail makes every call to method return err until cleared with nil.
func (m *MockClient) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, method)

		return
	}

	m.failures[method] = err
}

func (m *MockClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Calls[method]
}

func callKey(address string, data []byte) string {
	return model.NormalizeHex(address) + ":" + hex.EncodeToString(data)
}

// enter records the call and returns any injected failure. Callers hold mu.
func (m *MockClient) enter(method string) error {
	m.Calls[method]++

	return m.failures[method]
}

func (m *MockClient) HeadBlock(_ context.Context) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("HeadBlock"); err != nil {
		return nil, err
	}

	b, ok := m.blocks[m.head]
	if !ok {
		return nil, ErrBlockNotFound
	}

	return &Block{Block: b.Block}, nil
}

func (m *MockClient) BlockByNumber(_ context.Context, number uint64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("BlockByNumber"); err != nil {
		return nil, err
	}

	hash, ok := m.canonical[number]
	if !ok {
		return nil, fmt.Errorf("%w: number %d", ErrBlockNotFound, number)
	}

	return m.blocks[hash], nil
}

func (m *MockClient) BlockByHash(_ context.Context, hash string) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("BlockByHash"); err != nil {
		return nil, err
	}

	b, ok := m.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}

	return b, nil
}

func (m *MockClient) TransactionReceipt(_ context.Context, hash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("TransactionReceipt"); err != nil {
		return nil, err
	}

	r, ok := m.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}

	return r, nil
}

func (m *MockClient) CodeAt(_ context.Context, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("CodeAt"); err != nil {
		return "", err
	}

	if code, ok := m.code[model.NormalizeHex(address)]; ok {
		return code, nil
	}

	return "0x", nil
}

func (m *MockClient) CallContract(_ context.Context, address string, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("CallContract"); err != nil {
		return nil, err
	}

	ret, ok := m.results[callKey(address, data)]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}

	return ret, nil
}

// MockNode is a MockClient with a controllable lifecycle.
type MockNode struct {
	*MockClient

	name    string
	chainID int64

	mu        sync.Mutex
	callbacks []func(ctx context.Context) error
	started   bool
	stopped   bool
}

func NewMockNode(name string, chainID int64, client *MockClient) *MockNode {
	if client == nil {
		client = NewMockClient()
	}

	return &MockNode{MockClient: client, name: name, chainID: chainID}
}

func (n *MockNode) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.started = true

	return nil
}

func (n *MockNode) Stop(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopped = true

	return nil
}

func (n *MockNode) OnReady(_ context.Context, callback func(ctx context.Context) error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.callbacks = append(n.callbacks, callback)
}

// MarkReady runs the registered OnReady callbacks.
func (n *MockNode) MarkReady(ctx context.Context) error {
	n.mu.Lock()
	callbacks := append([]func(context.Context) error(nil), n.callbacks...)
	n.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (n *MockNode) Stopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.stopped
}

func (n *MockNode) Name() string       { return n.name }
func (n *MockNode) ChainID() int64     { return n.chainID }
func (n *MockNode) ClientType() string { return "mock/v0.0.0" }
func (n *MockNode) IsSynced() bool     { return true }
