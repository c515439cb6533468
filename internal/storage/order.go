package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrOrderNotFound is returned when an order id has no matching row.
var ErrOrderNotFound = errors.New("order not found")

// Status is a closed sum type for order status. The source this was
// distilled from stored status as a bare string and relied on string
// equality; that is a defect waiting to happen, so every comparison in
// this codebase goes through this typed enumerator instead.
type Status string

const (
	StatusPending               Status = "pending"
	StatusWaitingPayment        Status = "waiting-payment"
	StatusWaitingBuyerInvoice   Status = "waiting-buyer-invoice"
	StatusActive                Status = "active"
	StatusFiatSent              Status = "fiat-sent"
	StatusSettled               Status = "settled"
	StatusCompleted             Status = "completed"
	StatusDispute               Status = "dispute"
	StatusCanceled              Status = "canceled"
	StatusCooperativelyCanceled Status = "cooperatively-canceled"
	StatusCanceledByAdmin       Status = "canceled-by-admin"
	StatusSettledByAdmin        Status = "settled-by-admin"
	StatusExpired               Status = "expired"
)

// Terminal reports whether no further transition is legal from this
// status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusCooperativelyCanceled,
		StatusCanceledByAdmin, StatusSettledByAdmin, StatusExpired:
		return true
	default:
		return false
	}
}

// Kind distinguishes whose perspective the order's creator speaks
// from.
type Kind string

const (
	KindBuy  Kind = "buy"
	KindSell Kind = "sell"
)

// Order is the central, persistent entity. Field-for-field this
// mirrors the Order described by the specification; nothing here may
// be renamed or dropped.
type Order struct {
	ID     string
	Kind   Kind
	Status Status

	CreatorPubkey string
	BuyerPubkey   *string
	SellerPubkey  *string

	MasterBuyerPubkey  *string
	MasterSellerPubkey *string

	FiatCode  string
	FiatAmount int64
	MinAmount  int64
	MaxAmount  int64

	Amount  int64
	Fee     int64
	Premium int64

	PaymentMethod string
	PriceFromAPI  bool

	Hash         *string
	Preimage     *string
	BuyerInvoice *string

	CancelInitiatorPubkey *string
	BuyerCooperativeCancel  bool
	SellerCooperativeCancel bool

	TradeIndexBuyer  int64
	TradeIndexSeller int64

	// ParentOrderID links a take-time child order back to the range
	// order it was cloned from (§3 invariant on range orders).
	ParentOrderID *string

	// EventID is the id of the most recently published replaceable
	// event describing this order.
	EventID *string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// IsRange reports whether this is a min/max range order rather than a
// fixed-amount order.
func (o *Order) IsRange() bool {
	return o.MinAmount > 0 && o.MaxAmount > o.MinAmount
}

// CreateOrder inserts a new order row.
func (s *Storage) CreateOrder(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, kind, status, creator_pubkey, buyer_pubkey, seller_pubkey,
			master_buyer_pubkey, master_seller_pubkey,
			fiat_code, fiat_amount, min_amount, max_amount,
			amount, fee, premium, payment_method, price_from_api,
			hash, preimage, buyer_invoice,
			cancel_initiator_pubkey, buyer_cooperativecancel, seller_cooperativecancel,
			trade_index_buyer, trade_index_seller,
			parent_order_id, event_id,
			created_at, updated_at, expires_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		o.ID, o.Kind, o.Status, o.CreatorPubkey, o.BuyerPubkey, o.SellerPubkey,
		o.MasterBuyerPubkey, o.MasterSellerPubkey,
		o.FiatCode, o.FiatAmount, o.MinAmount, o.MaxAmount,
		o.Amount, o.Fee, o.Premium, o.PaymentMethod, boolToInt(o.PriceFromAPI),
		o.Hash, o.Preimage, o.BuyerInvoice,
		o.CancelInitiatorPubkey, boolToInt(o.BuyerCooperativeCancel), boolToInt(o.SellerCooperativeCancel),
		o.TradeIndexBuyer, o.TradeIndexSeller,
		o.ParentOrderID, o.EventID,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(), unixPtr(o.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

const orderColumns = `
	id, kind, status, creator_pubkey, buyer_pubkey, seller_pubkey,
	master_buyer_pubkey, master_seller_pubkey,
	fiat_code, fiat_amount, min_amount, max_amount,
	amount, fee, premium, payment_method, price_from_api,
	hash, preimage, buyer_invoice,
	cancel_initiator_pubkey, buyer_cooperativecancel, seller_cooperativecancel,
	trade_index_buyer, trade_index_seller,
	parent_order_id, event_id,
	created_at, updated_at, expires_at
`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	var priceFromAPI, buyerCC, sellerCC int
	var createdAt, updatedAt int64
	var expiresAt sql.NullInt64

	err := row.Scan(
		&o.ID, &o.Kind, &o.Status, &o.CreatorPubkey, &o.BuyerPubkey, &o.SellerPubkey,
		&o.MasterBuyerPubkey, &o.MasterSellerPubkey,
		&o.FiatCode, &o.FiatAmount, &o.MinAmount, &o.MaxAmount,
		&o.Amount, &o.Fee, &o.Premium, &o.PaymentMethod, &priceFromAPI,
		&o.Hash, &o.Preimage, &o.BuyerInvoice,
		&o.CancelInitiatorPubkey, &buyerCC, &sellerCC,
		&o.TradeIndexBuyer, &o.TradeIndexSeller,
		&o.ParentOrderID, &o.EventID,
		&createdAt, &updatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	o.PriceFromAPI = priceFromAPI == 1
	o.BuyerCooperativeCancel = buyerCC == 1
	o.SellerCooperativeCancel = sellerCC == 1
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		o.ExpiresAt = &t
	}
	return &o, nil
}

// GetOrder retrieves an order by id.
func (s *Storage) GetOrder(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// SaveOrder performs a full update of an existing order row. Every
// field that the order state machine may mutate is written back,
// following this codebase's "update the whole row" approach for
// synced/updated entities rather than tracking per-field diffs.
func (s *Storage) SaveOrder(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE orders SET
			kind = ?, status = ?, buyer_pubkey = ?, seller_pubkey = ?,
			master_buyer_pubkey = ?, master_seller_pubkey = ?,
			fiat_code = ?, fiat_amount = ?, min_amount = ?, max_amount = ?,
			amount = ?, fee = ?, premium = ?, payment_method = ?, price_from_api = ?,
			hash = ?, preimage = ?, buyer_invoice = ?,
			cancel_initiator_pubkey = ?, buyer_cooperativecancel = ?, seller_cooperativecancel = ?,
			trade_index_buyer = ?, trade_index_seller = ?,
			parent_order_id = ?, event_id = ?,
			updated_at = ?, expires_at = ?
		WHERE id = ?
	`,
		o.Kind, o.Status, o.BuyerPubkey, o.SellerPubkey,
		o.MasterBuyerPubkey, o.MasterSellerPubkey,
		o.FiatCode, o.FiatAmount, o.MinAmount, o.MaxAmount,
		o.Amount, o.Fee, o.Premium, o.PaymentMethod, boolToInt(o.PriceFromAPI),
		o.Hash, o.Preimage, o.BuyerInvoice,
		o.CancelInitiatorPubkey, boolToInt(o.BuyerCooperativeCancel), boolToInt(o.SellerCooperativeCancel),
		o.TradeIndexBuyer, o.TradeIndexSeller,
		o.ParentOrderID, o.EventID,
		o.UpdatedAt.Unix(), unixPtr(o.ExpiresAt),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// OrderFilter narrows ListOrders; zero-valued fields are unfiltered.
type OrderFilter struct {
	Status        *Status
	CreatorPubkey string
	ParticipantPubkey string // matches creator, buyer, or seller
	Limit         int
}

// ListOrders returns orders matching filter, most recent first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.CreatorPubkey != "" {
		query += " AND creator_pubkey = ?"
		args = append(args, filter.CreatorPubkey)
	}
	if filter.ParticipantPubkey != "" {
		query += " AND (creator_pubkey = ? OR buyer_pubkey = ? OR seller_pubkey = ?)"
		args = append(args, filter.ParticipantPubkey, filter.ParticipantPubkey, filter.ParticipantPubkey)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListReconcilable returns every order whose status implies a
// non-terminal hold invoice, for restart reconciliation
// (SPEC_FULL.md §4.6).
func (s *Storage) ListReconcilable() ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + orderColumns + ` FROM orders
		WHERE hash IS NOT NULL AND status IN (?, ?, ?, ?)`
	rows, err := s.db.Query(query,
		StatusWaitingPayment, StatusActive, StatusFiatSent, StatusDispute)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}
