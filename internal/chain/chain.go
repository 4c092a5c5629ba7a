package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrReadOnly is returned for writes after an integrity break.
	// Only an explicit operator Reset clears it.
	ErrReadOnly = errors.New("chain is read-only pending operator action")
)

// Config controls slot closing.
type Config struct {
	// ProducerID identifies this node in every sealed block.
	ProducerID string

	// SlotJudgmentLimit auto-closes a slot when the pending batch
	// reaches this size. Zero disables the size trigger.
	SlotJudgmentLimit int

	// IdleClose closes a non-empty slot after this long without an
	// append. Zero disables the idle trigger. The orchestrator's
	// background loop drives it via CloseIfIdle.
	IdleClose time.Duration
}

// Status summarizes the chain for metrics and the status endpoint.
type Status struct {
	HeadSlot  uint64 `json:"head_slot"`
	Blocks    uint64 `json:"blocks"`
	Pending   int    `json:"pending"`
	Judgments uint64 `json:"judgments"`
	ReadOnly  bool   `json:"read_only"`
}

// Chain batches judgments into slots and seals them into hash-linked
// blocks. Exactly one appender mutates at a time; readers see either
// the committed head or the pending batch, never a mix.
type Chain struct {
	mu sync.RWMutex

	cfg   Config
	store BlockStore

	pending      []Judgment
	pendingIDs   map[Hash]int // judgment hash → pending index (idempotence)
	lastAppendAt time.Time

	nextSlot   uint64
	parentHash Hash
	judgments  uint64 // total sealed judgments
	readOnly   bool
}

// New builds a chain over the given store, resuming from its head.
func New(cfg Config, store BlockStore) (*Chain, error) {
	c := &Chain{
		cfg:        cfg,
		store:      store,
		pendingIDs: make(map[Hash]int),
		parentHash: ZeroHash,
	}

	head, ok, err := store.Head()
	if err != nil {
		return nil, fmt.Errorf("chain: reading head: %w", err)
	}
	if ok {
		tip, err := store.Get(head)
		if err != nil {
			return nil, fmt.Errorf("chain: reading tip block: %w", err)
		}
		if tip == nil {
			return nil, fmt.Errorf("chain: head slot %d missing from store", head)
		}
		c.nextSlot = head + 1
		c.parentHash = tip.SelfHash
		if err := store.Range(0, head, func(b *Block) bool {
			c.judgments += uint64(len(b.Judgments))
			return true
		}); err != nil {
			return nil, fmt.Errorf("chain: counting judgments: %w", err)
		}
	}
	return c, nil
}

// Append adds a judgment to the pending batch and returns the pending
// count. Appending a judgment with an identical canonical hash merges
// into the existing entry instead of duplicating it. The size trigger
// may seal the slot as a side effect.
func (c *Chain) Append(j Judgment) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readOnly {
		return len(c.pending), ErrReadOnly
	}
	if j.Hash == ZeroHash {
		j.Hash = judgmentHash(j.ID, j.Payload)
	}

	if _, dup := c.pendingIDs[j.Hash]; !dup {
		c.pendingIDs[j.Hash] = len(c.pending)
		c.pending = append(c.pending, j)
	}
	c.lastAppendAt = time.Now()

	if c.cfg.SlotJudgmentLimit > 0 && len(c.pending) >= c.cfg.SlotJudgmentLimit {
		if _, err := c.sealLocked(); err != nil {
			return len(c.pending), err
		}
	}
	return len(c.pending), nil
}

// CloseSlot explicitly seals the pending batch into a block. Returns
// nil when nothing is pending. Explicit closing takes precedence over
// the size and idle triggers.
func (c *Chain) CloseSlot() (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly {
		return nil, ErrReadOnly
	}
	return c.sealLocked()
}

// CloseIfIdle seals the pending batch when the configured idle window
// has elapsed since the last append. Returns the sealed block or nil.
func (c *Chain) CloseIfIdle() (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly || c.cfg.IdleClose <= 0 || len(c.pending) == 0 {
		return nil, nil
	}
	if time.Since(c.lastAppendAt) < c.cfg.IdleClose {
		return nil, nil
	}
	return c.sealLocked()
}

func (c *Chain) sealLocked() (*Block, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}

	b := &Block{
		Slot:       c.nextSlot,
		ParentHash: c.parentHash,
		Judgments:  c.pending,
		ProducerID: c.cfg.ProducerID,
		Timestamp:  nowMillis(),
	}
	b.seal()

	if err := c.store.Put(b); err != nil {
		return nil, fmt.Errorf("chain: persisting block %d: %w", b.Slot, err)
	}

	c.judgments += uint64(len(b.Judgments))
	c.nextSlot++
	c.parentHash = b.SelfHash
	c.pending = nil
	c.pendingIDs = make(map[Hash]int)
	return b, nil
}

// Status returns a consistent snapshot of head and pending state.
func (c *Chain) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Pending:   len(c.pending),
		Blocks:    c.nextSlot,
		Judgments: c.judgments,
		ReadOnly:  c.readOnly,
	}
	if c.nextSlot > 0 {
		st.HeadSlot = c.nextSlot - 1
	}
	return st
}

// Pending returns a copy of the unsealed batch.
func (c *Chain) Pending() []Judgment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Judgment(nil), c.pending...)
}

// IterBlocks walks sealed blocks in [from, to]; to of 0 means head.
func (c *Chain) IterBlocks(from, to uint64, fn func(*Block) bool) error {
	c.mu.RLock()
	head := c.nextSlot
	c.mu.RUnlock()
	if head == 0 {
		return nil
	}
	if to == 0 || to > head-1 {
		to = head - 1
	}
	return c.store.Range(from, to, fn)
}

// SetReadOnly flips write protection; Verify sets it on a break and
// operators clear it through Reset after repair.
func (c *Chain) SetReadOnly(ro bool) {
	c.mu.Lock()
	c.readOnly = ro
	c.mu.Unlock()
}

// ReadOnly reports whether writes are refused.
func (c *Chain) ReadOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readOnly
}
