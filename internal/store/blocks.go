package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BlockRecord is the persisted form of a signed block header. Entries are
// recovered from the change log by the [first_seq, last_seq] range.
type BlockRecord struct {
	Height     int64  `json:"height"`
	PrevHash   string `json:"prev_hash"`
	Hash       string `json:"hash"`
	SignerID   string `json:"signer_id"`
	Signature  string `json:"signature"`
	Ts         int64  `json:"ts"`
	FirstSeq   int64  `json:"first_seq"`
	LastSeq    int64  `json:"last_seq"`
	EntryCount int    `json:"entry_count"`
}

// InsertBlockTx persists a block header within the commit transaction.
func (s *SQLiteStore) InsertBlockTx(ctx context.Context, tx *sql.Tx, b *BlockRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (height, prev_hash, hash, signer_id, signature, ts, first_seq, last_seq, entry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Height, b.PrevHash, b.Hash, b.SignerID, b.Signature, b.Ts, b.FirstSeq, b.LastSeq, b.EntryCount)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Height, err)
	}
	return nil
}

// GetLastBlock returns the highest block, or ErrNotFound on an empty chain.
func (s *SQLiteStore) GetLastBlock(ctx context.Context) (*BlockRecord, error) {
	b, err := scanBlock(s.db.QueryRowContext(ctx, `
		SELECT height, prev_hash, hash, signer_id, signature, ts, first_seq, last_seq, entry_count
		FROM blocks ORDER BY height DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last block: %w", err)
	}
	return b, nil
}

// GetBlocksSince returns blocks with height > afterHeight, ascending,
// up to limit.
func (s *SQLiteStore) GetBlocksSince(ctx context.Context, afterHeight int64, limit int) ([]BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT height, prev_hash, hash, signer_id, signature, ts, first_seq, last_seq, entry_count
		FROM blocks
		WHERE height > ?
		ORDER BY height ASC
		LIMIT ?
	`, afterHeight, limit)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]BlockRecord, 0)
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, *b)
	}
	return blocks, rows.Err()
}

func scanBlock(scanner interface{ Scan(...any) error }) (*BlockRecord, error) {
	var b BlockRecord
	err := scanner.Scan(&b.Height, &b.PrevHash, &b.Hash, &b.SignerID,
		&b.Signature, &b.Ts, &b.FirstSeq, &b.LastSeq, &b.EntryCount)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
