package chain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T, cfg Config) (*Chain, *MemoryStore) {
	t.Helper()
	if cfg.ProducerID == "" {
		cfg.ProducerID = "node-test"
	}
	store := NewMemoryStore()
	c, err := New(cfg, store)
	require.NoError(t, err)
	return c, store
}

func appendN(t *testing.T, c *Chain, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		_, err := c.Append(NewJudgment(id, []byte("payload-"+id)))
		require.NoError(t, err)
	}
}

func TestCloseSlotSealsAndVerifies(t *testing.T) {
	c, _ := newTestChain(t, Config{})

	appendN(t, c, "j", 3)
	assert.Equal(t, 3, c.Status().Pending)

	b, err := c.CloseSlot()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, uint64(0), b.Slot)
	assert.Equal(t, ZeroHash, b.ParentHash)
	assert.Len(t, b.Judgments, 3)
	assert.NotEqual(t, ZeroHash, b.MerkleRoot)
	assert.Equal(t, 0, c.Status().Pending)

	res, err := c.Verify(0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestVerifyDetectsMerkleTampering(t *testing.T) {
	c, store := newTestChain(t, Config{})

	appendN(t, c, "a", 3)
	_, err := c.CloseSlot()
	require.NoError(t, err)
	appendN(t, c, "b", 2)
	_, err = c.CloseSlot()
	require.NoError(t, err)

	// Flip a byte of block 1's merkle root behind the chain's back.
	b, err := store.Get(1)
	require.NoError(t, err)
	b.MerkleRoot[0] ^= 0xff
	require.NoError(t, store.Put(b))

	res, err := c.Verify(0)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "merkle-mismatch", res.Errors[0].Kind)
	assert.Equal(t, uint64(1), res.Errors[0].Slot)

	// Writes are refused until an operator resets; reads still work.
	assert.True(t, c.ReadOnly())
	_, err = c.Append(NewJudgment("late", nil))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = c.CloseSlot()
	assert.ErrorIs(t, err, ErrReadOnly)
	got, err := store.Get(0)
	require.NoError(t, err)
	assert.NotNil(t, got)

	c.SetReadOnly(false)
	_, err = c.Append(NewJudgment("late", nil))
	assert.NoError(t, err)
}

func TestVerifyDetectsParentTampering(t *testing.T) {
	c, store := newTestChain(t, Config{})

	appendN(t, c, "a", 1)
	_, err := c.CloseSlot()
	require.NoError(t, err)
	appendN(t, c, "b", 1)
	_, err = c.CloseSlot()
	require.NoError(t, err)

	b, err := store.Get(1)
	require.NoError(t, err)
	b.ParentHash[3] ^= 0x01
	// Re-seal so only the link is broken, not the block's own hashes.
	b.SelfHash = b.computeSelfHash()
	require.NoError(t, store.Put(b))

	res, err := c.Verify(0)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "parent-mismatch", res.Errors[0].Kind)
	assert.Equal(t, uint64(1), res.Errors[0].Slot)
}

func TestBlocksLinkByParentHash(t *testing.T) {
	c, store := newTestChain(t, Config{})

	var prev Hash
	for slot := uint64(0); slot < 4; slot++ {
		appendN(t, c, fmt.Sprintf("s%d", slot), 2)
		b, err := c.CloseSlot()
		require.NoError(t, err)
		require.Equal(t, slot, b.Slot)
		assert.Equal(t, prev, b.ParentHash)
		prev = b.SelfHash
	}

	head, ok, err := store.Head()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), head)
}

func TestDuplicateJudgmentMergesInBatch(t *testing.T) {
	c, _ := newTestChain(t, Config{})

	j := NewJudgment("dup", []byte("same payload"))
	n, err := c.Append(j)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.Append(j)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same id with a different payload hashes differently.
	n, err = c.Append(NewJudgment("dup", []byte("other payload")))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSizeTriggerClosesSlot(t *testing.T) {
	c, _ := newTestChain(t, Config{SlotJudgmentLimit: 3})

	appendN(t, c, "j", 2)
	assert.Equal(t, uint64(0), c.Status().Blocks)

	n, err := c.Append(NewJudgment("j-2", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st := c.Status()
	assert.Equal(t, uint64(1), st.Blocks)
	assert.Equal(t, uint64(0), st.HeadSlot)
	assert.Equal(t, uint64(3), st.Judgments)
}

func TestIdleTriggerClosesSlot(t *testing.T) {
	c, _ := newTestChain(t, Config{IdleClose: 15 * time.Millisecond})

	appendN(t, c, "j", 1)

	b, err := c.CloseIfIdle()
	require.NoError(t, err)
	assert.Nil(t, b, "idle window has not elapsed yet")

	time.Sleep(30 * time.Millisecond)
	b, err = c.CloseIfIdle()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, uint64(0), b.Slot)

	b, err = c.CloseIfIdle()
	require.NoError(t, err)
	assert.Nil(t, b, "nothing pending after the close")
}

func TestCloseSlotEmptyIsNoop(t *testing.T) {
	c, _ := newTestChain(t, Config{})
	b, err := c.CloseSlot()
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, uint64(0), c.Status().Blocks)
}

func TestResumeFromExistingStore(t *testing.T) {
	cfg := Config{ProducerID: "node-test"}
	store := NewMemoryStore()

	c1, err := New(cfg, store)
	require.NoError(t, err)
	_, err = c1.Append(NewJudgment("a", nil))
	require.NoError(t, err)
	b0, err := c1.CloseSlot()
	require.NoError(t, err)

	c2, err := New(cfg, store)
	require.NoError(t, err)
	st := c2.Status()
	assert.Equal(t, uint64(1), st.Blocks)
	assert.Equal(t, uint64(1), st.Judgments)

	_, err = c2.Append(NewJudgment("b", nil))
	require.NoError(t, err)
	b1, err := c2.CloseSlot()
	require.NoError(t, err)
	assert.Equal(t, b0.SelfHash, b1.ParentHash)

	res, err := c2.Verify(0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestIterBlocksRange(t *testing.T) {
	c, _ := newTestChain(t, Config{})
	for i := 0; i < 3; i++ {
		appendN(t, c, fmt.Sprintf("s%d", i), 1)
		_, err := c.CloseSlot()
		require.NoError(t, err)
	}

	var slots []uint64
	require.NoError(t, c.IterBlocks(1, 0, func(b *Block) bool {
		slots = append(slots, b.Slot)
		return true
	}))
	assert.Equal(t, []uint64{1, 2}, slots)
}

func TestMerkleRootOddLeafDuplication(t *testing.T) {
	a := NewJudgment("a", nil).Hash
	b := NewJudgment("b", nil).Hash
	x := NewJudgment("c", nil).Hash

	odd := MerkleRoot([]Hash{a, b, x})
	padded := MerkleRoot([]Hash{a, b, x, x})
	assert.Equal(t, padded, odd)

	assert.Equal(t, ZeroHash, MerkleRoot(nil))
	assert.NotEqual(t, MerkleRoot([]Hash{a}), MerkleRoot([]Hash{b}))
}
