package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSolverNotFound is returned when a pubkey is not a registered
// solver.
var ErrSolverNotFound = errors.New("solver not found")

// Solver is an operator-designated arbitrator (SPEC_FULL.md §4.3's
// solver registry), identified by its node pubkey.
type Solver struct {
	Pubkey  string
	AddedAt time.Time
	AddedBy string
}

// AddSolver registers pubkey as eligible to take disputes. Re-adding
// an existing solver is a no-op, matching this codebase's idempotent
// upsert convention.
func (s *Storage) AddSolver(sol *Solver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sol.AddedAt.IsZero() {
		sol.AddedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO solvers (pubkey, added_at, added_by)
		VALUES (?, ?, ?)
		ON CONFLICT(pubkey) DO NOTHING
	`, sol.Pubkey, sol.AddedAt.Unix(), sol.AddedBy)
	if err != nil {
		return fmt.Errorf("failed to add solver: %w", err)
	}
	return nil
}

// RemoveSolver revokes pubkey's solver status.
func (s *Storage) RemoveSolver(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM solvers WHERE pubkey = ?", pubkey)
	if err != nil {
		return fmt.Errorf("failed to remove solver: %w", err)
	}
	return nil
}

// IsSolver reports whether pubkey is a registered solver.
func (s *Storage) IsSolver(pubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow("SELECT 1 FROM solvers WHERE pubkey = ?", pubkey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check solver: %w", err)
	}
	return true, nil
}

// ListSolvers returns every registered solver.
func (s *Storage) ListSolvers() ([]*Solver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT pubkey, added_at, added_by FROM solvers ORDER BY added_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list solvers: %w", err)
	}
	defer rows.Close()

	var solvers []*Solver
	for rows.Next() {
		var sol Solver
		var addedAt int64
		if err := rows.Scan(&sol.Pubkey, &addedAt, &sol.AddedBy); err != nil {
			return nil, fmt.Errorf("failed to scan solver: %w", err)
		}
		sol.AddedAt = time.Unix(addedAt, 0)
		solvers = append(solvers, &sol)
	}
	return solvers, rows.Err()
}
