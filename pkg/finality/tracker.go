// Package finality decides when an announced block is deep enough to commit
// and when a competing branch has gone stale.
package finality

import (
	"sort"
	"sync"
)

const (
	DefaultConfirmationDepth = 6
	DefaultStaleWindow       = 10
)

// Header is the part of a block the tracker needs.
type Header struct {
	Number     uint64
	Hash       string
	ParentHash string
}

type EventKind int

const (
	EventCommit EventKind = iota
	EventDiscard
)

func (k EventKind) String() string {
	if k == EventCommit {
		return "commit"
	}

	return "discard"
}

// Event is a decision emitted by Tick.
type Event struct {
	Kind   EventKind
	Header Header
}

// Tracker holds the unsettled block tree. It performs no I/O.
//
// Depth is 0 for a block without known children and 1 + the deepest child
// otherwise. It is computed on demand and memoized; inserting a block clears
// the memo of its tracked ancestors only.
type Tracker struct {
	mu sync.Mutex

	confirmationDepth int
	staleWindow       uint64

	nodes    map[string]Header
	children map[string]map[string]struct{}
	depth    map[string]int

	// settled remembers committed and discarded hashes so neither outcome
	// can repeat for a re-announced block.
	settled map[string]uint64
	// final holds the parent hashes of committed blocks, keyed to the
	// parent's number. A parent observed after its child committed is
	// ready as soon as it arrives.
	final      map[string]uint64
	lastNumber uint64
}

func NewTracker(confirmationDepth int, staleWindow uint64) *Tracker {
	if confirmationDepth <= 0 {
		confirmationDepth = DefaultConfirmationDepth
	}

	if staleWindow == 0 {
		staleWindow = DefaultStaleWindow
	}

	return &Tracker{
		confirmationDepth: confirmationDepth,
		staleWindow:       staleWindow,
		nodes:             make(map[string]Header),
		children:          make(map[string]map[string]struct{}),
		depth:             make(map[string]int),
		settled:           make(map[string]uint64),
		final:             make(map[string]uint64),
	}
}

// Observe adds a block if it is unseen. It reports whether the block was
// inserted. Blocks already settled, or already stale on arrival, are ignored.
func (t *Tracker) Observe(h Header) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.observe(h)
}

func (t *Tracker) observe(h Header) bool {
	if _, ok := t.nodes[h.Hash]; ok {
		return false
	}

	if _, ok := t.settled[h.Hash]; ok {
		return false
	}

	if t.lastNumber >= h.Number && t.lastNumber-h.Number >= t.staleWindow {
		return false
	}

	t.nodes[h.Hash] = h

	siblings, ok := t.children[h.ParentHash]
	if !ok {
		siblings = make(map[string]struct{})
		t.children[h.ParentHash] = siblings
	}

	siblings[h.Hash] = struct{}{}

	if h.Number > t.lastNumber {
		t.lastNumber = h.Number
	}

	t.invalidateAncestors(h.ParentHash)

	return true
}

// Known reports whether the hash is tracked or already settled.
func (t *Tracker) Known(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[hash]; ok {
		return true
	}

	_, ok := t.settled[hash]

	return ok
}

// Depth returns the confirmation depth of a tracked block.
func (t *Tracker) Depth(hash string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[hash]; !ok {
		return 0, false
	}

	return t.depthOf(hash), true
}

func (t *Tracker) IsReadyToCommit(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.isReady(hash)
}

func (t *Tracker) IsStale(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.isStale(hash)
}

// LastNumber is the highest block number ever observed.
func (t *Tracker) LastNumber() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastNumber
}

// Len returns the number of unsettled blocks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.nodes)
}

// Tick observes h and then settles every block that became ready or stale.
// Events are ordered by block number. A committed block takes its tracked
// strict ancestors with it; a discarded block is removed alone.
func (t *Tracker) Tick(h Header) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observe(h)

	candidates := make([]Header, 0, len(t.nodes))
	for _, n := range t.nodes {
		candidates = append(candidates, n)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Number == candidates[j].Number {
			return candidates[i].Hash < candidates[j].Hash
		}

		return candidates[i].Number < candidates[j].Number
	})

	var events []Event

	for _, n := range candidates {
		if _, ok := t.nodes[n.Hash]; !ok {
			continue
		}

		switch {
		case t.isReady(n.Hash):
			events = append(events, Event{Kind: EventCommit, Header: n})

			for _, ancestor := range t.ancestors(n.Hash) {
				t.commitRemove(ancestor)
			}

			t.commitRemove(n.Hash)
		case t.isStale(n.Hash):
			events = append(events, Event{Kind: EventDiscard, Header: n})

			t.remove(n.Hash)
		}
	}

	t.pruneSettled()

	return events
}

func (t *Tracker) isReady(hash string) bool {
	if _, ok := t.nodes[hash]; !ok {
		return false
	}

	if _, ok := t.final[hash]; ok {
		return true
	}

	return t.depthOf(hash) >= t.confirmationDepth
}

func (t *Tracker) isStale(hash string) bool {
	n, ok := t.nodes[hash]
	if !ok {
		return false
	}

	return t.lastNumber >= n.Number && t.lastNumber-n.Number >= t.staleWindow
}

func (t *Tracker) depthOf(hash string) int {
	if d, ok := t.depth[hash]; ok {
		return d
	}

	d := 0

	for child := range t.children[hash] {
		if _, ok := t.nodes[child]; !ok {
			continue
		}

		if cd := t.depthOf(child) + 1; cd > d {
			d = cd
		}
	}

	t.depth[hash] = d

	return d
}

func (t *Tracker) invalidateAncestors(hash string) {
	for {
		n, ok := t.nodes[hash]
		if !ok {
			return
		}

		delete(t.depth, hash)

		hash = n.ParentHash
	}
}

// ancestors returns the tracked strict ancestors of hash, nearest first.
func (t *Tracker) ancestors(hash string) []string {
	var out []string

	for {
		n, ok := t.nodes[hash]
		if !ok {
			return out
		}

		if _, ok := t.nodes[n.ParentHash]; !ok {
			return out
		}

		out = append(out, n.ParentHash)
		hash = n.ParentHash
	}
}

// commitRemove removes a committed block and marks its parent final.
func (t *Tracker) commitRemove(hash string) {
	n, ok := t.nodes[hash]
	if !ok {
		return
	}

	t.remove(hash)
	delete(t.final, hash)

	if n.Number > 0 {
		t.final[n.ParentHash] = n.Number - 1
	}
}

func (t *Tracker) remove(hash string) {
	n, ok := t.nodes[hash]
	if !ok {
		return
	}

	t.invalidateAncestors(n.ParentHash)

	delete(t.nodes, hash)
	delete(t.depth, hash)

	if siblings, ok := t.children[n.ParentHash]; ok {
		delete(siblings, hash)

		if len(siblings) == 0 {
			delete(t.children, n.ParentHash)
		}
	}

	t.settled[hash] = n.Number
}

// pruneSettled forgets settled hashes that are old enough to be rejected as
// stale on arrival anyway.
func (t *Tracker) pruneSettled() {
	for hash, number := range t.settled {
		if t.lastNumber >= number && t.lastNumber-number >= t.staleWindow {
			delete(t.settled, hash)
		}
	}

	for hash, number := range t.final {
		if t.lastNumber >= number && t.lastNumber-number >= t.staleWindow {
			delete(t.final, hash)
		}
	}
}
