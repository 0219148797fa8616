package search

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory ClientInterface for tests. Documents are merged
// the way doc_as_upsert merges them.
type MockClient struct {
	// BulkFunc, when set, replaces the default behaviour.
	BulkFunc func(ctx context.Context, docs []Document) ([]error, error)

	mu      sync.Mutex
	indices map[string]map[string]any
	docs    map[string]map[string]Document
	reject  map[string]error
	calls   map[string]int
}

var _ ClientInterface = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		indices: make(map[string]map[string]any),
		docs:    make(map[string]map[string]Document),
		reject:  make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Reject makes every bulk write of id fail with err until cleared with nil.
func (m *MockClient) Reject(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.reject, id)

		return
	}

	m.reject[id] = err
}

func (m *MockClient) Bulk(ctx context.Context, docs []Document) ([]error, error) {
	m.mu.Lock()
	m.calls["Bulk"]++
	fn := m.BulkFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, docs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make([]error, len(docs))

	for i, d := range docs {
		if err, ok := m.reject[d.ID]; ok {
			errs[i] = fmt.Errorf("%w: %s %w", ErrItemFailed, d.ID, err)

			continue
		}

		if m.docs[d.Index] == nil {
			m.docs[d.Index] = make(map[string]Document)
		}

		existing, ok := m.docs[d.Index][d.ID]
		if !ok {
			existing = Document{Index: d.Index, ID: d.ID, Routing: d.Routing, Body: map[string]any{}}
		}

		for k, v := range d.Body {
			existing.Body[k] = v
		}

		m.docs[d.Index][d.ID] = existing
	}

	return errs, nil
}

func (m *MockClient) CreateIndex(_ context.Context, name string, body map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls["CreateIndex"]++

	if _, ok := m.indices[name]; ok {
		return fmt.Errorf("index %s already exists", name)
	}

	m.indices[name] = body

	return nil
}

func (m *MockClient) DeleteIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls["DeleteIndex"]++

	delete(m.indices, name)
	delete(m.docs, name)

	return nil
}

func (m *MockClient) IndexExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.indices[name]

	return ok, nil
}

func (m *MockClient) Ping(_ context.Context) error {
	return nil
}

// Doc returns a stored document.
func (m *MockClient) Doc(index, id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[index][id]

	return d, ok
}

// Count returns the number of documents stored in index.
func (m *MockClient) Count(index string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.docs[index])
}

func (m *MockClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[method]
}
