package storage

import (
	"context"
	"errors"
	"fmt"
)

// AppendRecords inserts records in one transaction. Records whose message id
// is already stored are skipped.
func (s *Store) AppendRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO message_records (
			message_id,
			peer_id,
			timestamp,
			kind,
			content,
			origin
		) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx,
			record.MessageID,
			record.PeerID,
			record.Timestamp,
			record.Kind,
			record.Content,
			record.Origin,
		); err != nil {
			return fmt.Errorf("insert record %q: %w", record.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append transaction: %w", err)
	}
	return nil
}

// QueryRecent returns at most count records exchanged with peerID, newest
// first.
func (s *Store) QueryRecent(ctx context.Context, peerID string, count int) ([]Record, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if count <= 0 {
		return []Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT
			message_id,
			peer_id,
			timestamp,
			kind,
			content,
			origin
		FROM message_records
		WHERE peer_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT ?`,
		peerID,
		count,
	)
	if err != nil {
		return nil, fmt.Errorf("query records for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	records := make([]Record, 0, count)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}

	return records, nil
}

func scanRecord(row scanner) (Record, error) {
	var record Record
	err := row.Scan(
		&record.MessageID,
		&record.PeerID,
		&record.Timestamp,
		&record.Kind,
		&record.Content,
		&record.Origin,
	)
	return record, err
}
