package chain

import "sync"

// BlockStore is the persistence contract for sealed blocks. The chain
// owns ordering; a store only has to hold blocks by slot.
type BlockStore interface {
	// Put persists a sealed block. Slots arrive in order.
	Put(b *Block) error
	// Get returns the block at slot, or nil when absent.
	Get(slot uint64) (*Block, error)
	// Head returns the highest stored slot and true, or false when empty.
	Head() (uint64, bool, error)
	// Range calls fn for each block in [from, to] ascending; a false
	// return stops early. to < from is an empty range.
	Range(from, to uint64, fn func(*Block) bool) error
}

// MemoryStore is the in-process BlockStore.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[uint64]*Block
	head   uint64
	any    bool
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[uint64]*Block)}
}

func (m *MemoryStore) Put(b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.Judgments = append([]Judgment(nil), b.Judgments...)
	m.blocks[b.Slot] = &cp
	if !m.any || b.Slot > m.head {
		m.head = b.Slot
		m.any = true
	}
	return nil
}

func (m *MemoryStore) Get(slot uint64) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[slot]
	if !ok {
		return nil, nil
	}
	cp := *b
	cp.Judgments = append([]Judgment(nil), b.Judgments...)
	return &cp, nil
}

func (m *MemoryStore) Head() (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head, m.any, nil
}

func (m *MemoryStore) Range(from, to uint64, fn func(*Block) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for slot := from; slot <= to; slot++ {
		b, ok := m.blocks[slot]
		if !ok {
			continue
		}
		cp := *b
		cp.Judgments = append([]Judgment(nil), b.Judgments...)
		if !fn(&cp) {
			return nil
		}
	}
	return nil
}
