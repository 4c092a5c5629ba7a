package chain

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore persists blocks in a single table. Judgments ride
// along as a JSON column; the chain re-verifies hashes on read paths
// so the store does not have to be trusted.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, pings, and creates the blocks table if
// it does not exist yet.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("chain: opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chain: pinging postgres: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS poj_blocks (
		slot         BIGINT PRIMARY KEY,
		parent_hash  BYTEA NOT NULL,
		merkle_root  BYTEA NOT NULL,
		producer_id  TEXT NOT NULL,
		ts_millis    BIGINT NOT NULL,
		self_hash    BYTEA NOT NULL,
		judgments    JSONB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chain: creating poj_blocks table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Put(b *Block) error {
	payload, err := json.Marshal(b.Judgments)
	if err != nil {
		return fmt.Errorf("chain: encoding judgments for slot %d: %w", b.Slot, err)
	}
	_, err = p.db.Exec(`INSERT INTO poj_blocks
		(slot, parent_hash, merkle_root, producer_id, ts_millis, self_hash, judgments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slot) DO UPDATE SET
			parent_hash = EXCLUDED.parent_hash,
			merkle_root = EXCLUDED.merkle_root,
			producer_id = EXCLUDED.producer_id,
			ts_millis   = EXCLUDED.ts_millis,
			self_hash   = EXCLUDED.self_hash,
			judgments   = EXCLUDED.judgments`,
		int64(b.Slot), b.ParentHash[:], b.MerkleRoot[:], b.ProducerID,
		int64(b.Timestamp), b.SelfHash[:], payload)
	if err != nil {
		return fmt.Errorf("chain: inserting block %d: %w", b.Slot, err)
	}
	return nil
}

func (p *PostgresStore) Get(slot uint64) (*Block, error) {
	row := p.db.QueryRow(`SELECT slot, parent_hash, merkle_root, producer_id,
		ts_millis, self_hash, judgments FROM poj_blocks WHERE slot = $1`, int64(slot))
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (p *PostgresStore) Head() (uint64, bool, error) {
	var head sql.NullInt64
	err := p.db.QueryRow(`SELECT MAX(slot) FROM poj_blocks`).Scan(&head)
	if err != nil {
		return 0, false, fmt.Errorf("chain: reading head: %w", err)
	}
	if !head.Valid {
		return 0, false, nil
	}
	return uint64(head.Int64), true, nil
}

func (p *PostgresStore) Range(from, to uint64, fn func(*Block) bool) error {
	rows, err := p.db.Query(`SELECT slot, parent_hash, merkle_root, producer_id,
		ts_millis, self_hash, judgments FROM poj_blocks
		WHERE slot >= $1 AND slot <= $2 ORDER BY slot ASC`, int64(from), int64(to))
	if err != nil {
		return fmt.Errorf("chain: ranging blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return err
		}
		if !fn(b) {
			return nil
		}
	}
	return rows.Err()
}

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(r rowScanner) (*Block, error) {
	var (
		slot, ts                      int64
		parent, merkle, self, payload []byte
		b                             Block
	)
	if err := r.Scan(&slot, &parent, &merkle, &b.ProducerID, &ts, &self, &payload); err != nil {
		return nil, err
	}
	b.Slot = uint64(slot)
	b.Timestamp = uint64(ts)
	copy(b.ParentHash[:], parent)
	copy(b.MerkleRoot[:], merkle)
	copy(b.SelfHash[:], self)
	if err := json.Unmarshal(payload, &b.Judgments); err != nil {
		return nil, fmt.Errorf("chain: decoding judgments for slot %d: %w", slot, err)
	}
	return &b, nil
}
