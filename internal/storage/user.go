package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// User is a reputation accumulator keyed by node pubkey. There is no
// registration step; a row is created the first time a rating lands
// for a pubkey (SPEC_FULL.md §4.4).
type User struct {
	Pubkey           string
	TotalRatingSum   int64
	TotalRatingCount int64
	LastRatedOrderID *string
	LastTradeAt      *time.Time
	UpdatedAt        time.Time
}

// Average returns the user's mean rating, or 0 if unrated.
func (u *User) Average() float64 {
	if u.TotalRatingCount == 0 {
		return 0
	}
	return float64(u.TotalRatingSum) / float64(u.TotalRatingCount)
}

// GetOrCreateUser fetches a user row, creating a zero-rated one if
// absent.
func (s *Storage) GetOrCreateUser(pubkey string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getUserLocked(pubkey)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO users (pubkey, total_rating_sum, total_rating_count, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(pubkey) DO NOTHING
	`, pubkey, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &User{Pubkey: pubkey, UpdatedAt: now}, nil
}

func (s *Storage) getUserLocked(pubkey string) (*User, error) {
	var u User
	var lastRatedOrderID sql.NullString
	var lastTradeAt sql.NullInt64
	var updatedAt int64

	err := s.db.QueryRow(`
		SELECT pubkey, total_rating_sum, total_rating_count, last_rated_order_id, last_trade_at, updated_at
		FROM users WHERE pubkey = ?
	`, pubkey).Scan(&u.Pubkey, &u.TotalRatingSum, &u.TotalRatingCount, &lastRatedOrderID, &lastTradeAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if lastRatedOrderID.Valid {
		u.LastRatedOrderID = &lastRatedOrderID.String
	}
	if lastTradeAt.Valid {
		t := time.Unix(lastTradeAt.Int64, 0)
		u.LastTradeAt = &t
	}
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

// GetUser fetches a user's reputation row. Returns a zero-valued User
// for a pubkey that has never been rated.
func (s *Storage) GetUser(pubkey string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := s.getUserLocked(pubkey)
	if err == sql.ErrNoRows {
		return &User{Pubkey: pubkey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// HasRated reports whether raterPubkey has already rated orderID, the
// one-rating-per-order-per-side invariant (SPEC_FULL.md §4.4).
func (s *Storage) HasRated(orderID, raterPubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow(
		"SELECT 1 FROM order_ratings WHERE order_id = ? AND rater_pubkey = ?",
		orderID, raterPubkey,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check rating: %w", err)
	}
	return true, nil
}

// RecordRating persists a single rating event and folds it into the
// rated party's running average. Both writes happen in one
// transaction so a crash never leaves the ledger and the aggregate
// out of sync.
func (s *Storage) RecordRating(orderID, raterPubkey, ratedPubkey string, rating int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	_, err = tx.Exec(`
		INSERT INTO order_ratings (order_id, rater_pubkey, rated_pubkey, rating, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, orderID, raterPubkey, ratedPubkey, rating, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to record rating: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO users (pubkey, total_rating_sum, total_rating_count, last_rated_order_id, last_trade_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			total_rating_sum = total_rating_sum + excluded.total_rating_sum,
			total_rating_count = total_rating_count + 1,
			last_rated_order_id = excluded.last_rated_order_id,
			last_trade_at = excluded.last_trade_at,
			updated_at = excluded.updated_at
	`, ratedPubkey, rating, orderID, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to update user reputation: %w", err)
	}

	return tx.Commit()
}
