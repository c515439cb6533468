package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDisputeNotFound is returned when a dispute id has no matching row.
var ErrDisputeNotFound = errors.New("dispute not found")

// DisputeStatus is the closed sum type for a dispute's lifecycle.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeAssigned  DisputeStatus = "assigned"
	DisputeSettled   DisputeStatus = "settled"
	DisputeCanceled  DisputeStatus = "canceled"
)

// Dispute records an order escalated to arbitration (SPEC_FULL.md §4.3).
type Dispute struct {
	ID           string
	OrderID      string
	Status       DisputeStatus
	SolverPubkey *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateDispute inserts a new dispute row, opened against order_id.
func (s *Storage) CreateDispute(d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO disputes (id, order_id, status, solver_pubkey, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.OrderID, d.Status, d.SolverPubkey, d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

const disputeColumns = "id, order_id, status, solver_pubkey, created_at, updated_at"

func scanDispute(row interface{ Scan(...any) error }) (*Dispute, error) {
	var d Dispute
	var createdAt, updatedAt int64
	if err := row.Scan(&d.ID, &d.OrderID, &d.Status, &d.SolverPubkey, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

// GetDispute retrieves a dispute by id.
func (s *Storage) GetDispute(id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+disputeColumns+" FROM disputes WHERE id = ?", id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

// GetDisputeByOrder retrieves the dispute open against an order, if any.
func (s *Storage) GetDisputeByOrder(orderID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+disputeColumns+" FROM disputes WHERE order_id = ? ORDER BY created_at DESC LIMIT 1", orderID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute by order: %w", err)
	}
	return d, nil
}

// SaveDispute updates an existing dispute's mutable fields.
func (s *Storage) SaveDispute(d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.UpdatedAt = time.Now()
	result, err := s.db.Exec(`
		UPDATE disputes SET status = ?, solver_pubkey = ?, updated_at = ?
		WHERE id = ?
	`, d.Status, d.SolverPubkey, d.UpdatedAt.Unix(), d.ID)
	if err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// ListDisputes returns disputes, optionally narrowed by status, most
// recent first.
func (s *Storage) ListDisputes(status *DisputeStatus) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + disputeColumns + " FROM disputes WHERE 1=1"
	var args []any
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}
