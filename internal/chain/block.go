// Package chain implements the Proof-of-Judgment chain: an append-only
// log of judgments batched into slotted blocks, Merkle-summarized and
// hash-linked so any later tampering is detectable.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// HashSize is the byte length of every chain hash (SHA-256).
const HashSize = sha256.Size

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// ZeroHash is the genesis parent hash.
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(h[:], raw)
	return nil
}

// Judgment is one decision pending inclusion in a block.
type Judgment struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Hash    Hash   `json:"hash"`
}

// NewJudgment hashes the id and payload canonically.
func NewJudgment(id string, payload []byte) Judgment {
	return Judgment{ID: id, Payload: payload, Hash: judgmentHash(id, payload)}
}

// judgmentHash = H(len(id) || id || len(payload) || payload).
func judgmentHash(id string, payload []byte) Hash {
	h := sha256.New()
	writeBytes(h, []byte(id))
	writeBytes(h, payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Block is one sealed slot of the chain.
type Block struct {
	Slot       uint64     `json:"slot"`
	ParentHash Hash       `json:"parent_hash"`
	MerkleRoot Hash       `json:"merkle_root"`
	Judgments  []Judgment `json:"judgments"`
	ProducerID string     `json:"producer_id"`
	Timestamp  uint64     `json:"timestamp"` // unix milliseconds
	SelfHash   Hash       `json:"self_hash"`
}

// seal computes the merkle root and self hash. Serialization is
// canonical: fields in declaration order, byte fields length-prefixed,
// so self_hash is stable across implementations.
func (b *Block) seal() {
	b.MerkleRoot = MerkleRoot(judgmentHashes(b.Judgments))
	b.SelfHash = b.computeSelfHash()
}

func (b *Block) computeSelfHash() Hash {
	h := sha256.New()
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], b.Slot)
	h.Write(u64[:])
	h.Write(b.ParentHash[:])
	h.Write(b.MerkleRoot[:])
	writeBytes(h, []byte(b.ProducerID))
	binary.BigEndian.PutUint64(u64[:], b.Timestamp)
	h.Write(u64[:])
	for _, j := range b.Judgments {
		h.Write(j.Hash[:])
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeBytes(h interface{ Write([]byte) (int, error) }, b []byte) {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(b)))
	h.Write(l[:])
	h.Write(b)
}

func judgmentHashes(js []Judgment) []Hash {
	out := make([]Hash, len(js))
	for i, j := range js {
		out[i] = j.Hash
	}
	return out
}

// MerkleRoot hashes leaves pairwise upward, duplicating the last leaf
// on odd counts. An empty slot yields the zero hash.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return ZeroHash
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var parent Hash
			copy(parent[:], h.Sum(nil))
			next = append(next, parent)
		}
		level = next
	}
	return level[0]
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }
