package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"droplink/models"
)

const (
	// DirectionSend marks an outbound transfer.
	DirectionSend = "send"
	// DirectionReceive marks an inbound transfer.
	DirectionReceive = "receive"

	// StatusActive marks a transfer still in flight.
	StatusActive = "active"
	// StatusComplete marks a successfully finished transfer.
	StatusComplete = "complete"
	// StatusFailed marks an errored transfer.
	StatusFailed = "failed"
)

// ErrNotFound indicates the requested transfer row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SaveTransfer inserts a new transfer history row.
func (s *Store) SaveTransfer(record models.TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			session_id,
			peer_connection_id,
			filename,
			filesize,
			direction,
			status,
			stored_path,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.SessionID,
		record.PeerConnectionID,
		record.Filename,
		record.Filesize,
		record.Direction,
		record.Status,
		record.StoredPath,
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus updates the status (and finish time) of one transfer.
func (s *Store) UpdateTransferStatus(transferID, status string, finishedAt int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, finished_at = ?
		WHERE transfer_id = ?`,
		status,
		nullInt64(finishedAt),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer returns one transfer history row.
func (s *Store) GetTransfer(transferID string) (models.TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, session_id, peer_connection_id, filename, filesize,
			direction, status, stored_path, started_at, finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)
	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return models.TransferRecord{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns a session's transfer history, most recent first.
func (s *Store) ListTransfers(sessionID string) ([]models.TransferRecord, error) {
	rows, err := s.db.Query(
		`SELECT transfer_id, session_id, peer_connection_id, filename, filesize,
			direction, status, stored_path, started_at, finished_at
		FROM transfers
		WHERE session_id = ?
		ORDER BY started_at DESC, transfer_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for session %q: %w", sessionID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]models.TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (models.TransferRecord, error) {
	var record models.TransferRecord
	var peerID sql.NullString
	var finishedAt sql.NullInt64

	err := row.Scan(
		&record.TransferID,
		&record.SessionID,
		&peerID,
		&record.Filename,
		&record.Filesize,
		&record.Direction,
		&record.Status,
		&record.StoredPath,
		&record.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return models.TransferRecord{}, err
	}

	record.PeerConnectionID = peerID.String
	record.FinishedAt = finishedAt.Int64
	return record, nil
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusActive, StatusComplete, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
