// Package dispute implements the arbitration subsystem (SPEC_FULL.md
// §4.3): opening a dispute on an Active/FiatSent order, a solver
// claiming it, and the solver (or admin) deciding its outcome.
//
// Grounded on this codebase's internal/storage dispute/solver CRUD
// (dispute.go, solver.go) for persistence, and on internal/ordersm for
// the order-side transitions a dispute outcome drives.
package dispute

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/pkg/logging"
)

// OrderSM is the narrow order-state-machine surface the dispute
// subsystem drives, satisfied by internal/ordersm.Machine.
type OrderSM interface {
	OpenDispute(ctx context.Context, orderID, senderPubkey string) error
	AdminReleaseToBuyer(ctx context.Context, orderID string) error
	AdminRefundToSeller(ctx context.Context, orderID string) error
}

// Notifier is the narrow publisher surface the dispute subsystem needs.
type Notifier interface {
	Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error
}

// Manager implements the dispute subsystem's three operations.
type Manager struct {
	store *storage.Storage
	sm    OrderSM
	pub   Notifier
	authz *authz.Resolver
	log   *logging.Logger
}

// New returns a Manager wired to its collaborators.
func New(store *storage.Storage, sm OrderSM, pub Notifier, authzResolver *authz.Resolver) *Manager {
	return &Manager{
		store: store,
		sm:    sm,
		pub:   pub,
		authz: authzResolver,
		log:   logging.GetDefault().Component("dispute"),
	}
}

// Open escalates orderID to Dispute and creates its dispute record
// (SPEC_FULL.md §4.3 "opening"), notifying the registered solver pool
// so one can claim it.
func (m *Manager) Open(ctx context.Context, orderID, senderPubkey string) (*storage.Dispute, error) {
	if err := m.sm.OpenDispute(ctx, orderID, senderPubkey); err != nil {
		return nil, err
	}

	d := &storage.Dispute{
		ID:      uuid.New().String(),
		OrderID: orderID,
		Status:  storage.DisputeOpen,
	}
	if err := m.store.CreateDispute(d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	solvers, err := m.store.ListSolvers()
	if err != nil {
		m.log.Warn("failed to list solvers for dispute notice", "dispute_id", d.ID, "error", err)
		return d, nil
	}
	for _, s := range solvers {
		if err := m.pub.Notify(ctx, s.Pubkey, messages.ActionDisputeInitiatedByPeer, orderID, map[string]string{"dispute_id": d.ID}); err != nil {
			m.log.Warn("failed to notify solver of new dispute", "solver", s.Pubkey, "error", err)
		}
	}
	return d, nil
}

// AdminTakeDispute assigns disputeID to solverPubkey (SPEC_FULL.md §4.3
// "AdminTakeDispute"). Despite the name, any registered solver may take
// an unassigned dispute, not only the admin identity.
func (m *Manager) AdminTakeDispute(ctx context.Context, disputeID, solverPubkey string) error {
	ok, err := m.authz.IsAdminOrSolver(solverPubkey)
	if err != nil {
		return fmt.Errorf("failed to check solver registry: %w", err)
	}
	if !ok {
		return messages.NewCantDo(messages.ReasonNotAuthorized)
	}

	d, err := m.store.GetDispute(disputeID)
	if err != nil {
		return err
	}
	if d.Status != storage.DisputeOpen {
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}

	d.SolverPubkey = &solverPubkey
	d.Status = storage.DisputeAssigned
	if err := m.store.SaveDispute(d); err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}

	order, err := m.store.GetOrder(d.OrderID)
	if err != nil {
		m.log.Warn("failed to load order for dispute assignment notice", "order_id", d.OrderID, "error", err)
		return nil
	}
	for _, p := range []*string{order.BuyerPubkey, order.SellerPubkey} {
		if p == nil {
			continue
		}
		if err := m.pub.Notify(ctx, *p, messages.ActionAdminTookDispute, d.OrderID, nil); err != nil {
			m.log.Warn("failed to notify dispute assignment", "recipient", *p, "error", err)
		}
	}
	return nil
}

// AdminSettle applies an arbitration outcome to disputeID's order
// (SPEC_FULL.md §4.3 "AdminSettle"): settle-to-buyer or
// refund-to-seller. callerPubkey must be the dispute's assigned solver
// or the operator admin identity.
func (m *Manager) AdminSettle(ctx context.Context, disputeID, callerPubkey string, settleToBuyer bool) error {
	d, err := m.store.GetDispute(disputeID)
	if err != nil {
		return err
	}
	if d.Status != storage.DisputeAssigned && d.Status != storage.DisputeOpen {
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}
	if !authz.IsAssignedSolver(d, callerPubkey, m.authz.IsAdmin(callerPubkey)) {
		return messages.NewCantDo(messages.ReasonNotAuthorized)
	}

	if settleToBuyer {
		if err := m.sm.AdminReleaseToBuyer(ctx, d.OrderID); err != nil {
			return err
		}
		d.Status = storage.DisputeSettled
	} else {
		if err := m.sm.AdminRefundToSeller(ctx, d.OrderID); err != nil {
			return err
		}
		d.Status = storage.DisputeCanceled
	}
	if err := m.store.SaveDispute(d); err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}

	order, err := m.store.GetOrder(d.OrderID)
	if err != nil {
		m.log.Warn("failed to load order for settlement notice", "order_id", d.OrderID, "error", err)
		return nil
	}
	for _, p := range []*string{order.BuyerPubkey, order.SellerPubkey} {
		if p == nil {
			continue
		}
		if err := m.pub.Notify(ctx, *p, messages.ActionAdminSettledDispute, d.OrderID, nil); err != nil {
			m.log.Warn("failed to notify dispute settlement", "recipient", *p, "error", err)
		}
	}
	return nil
}

// AdminAddSolver registers solverPubkey as eligible to take disputes
// (SPEC_FULL.md §4.3 "AdminAddSolver"). Authorisation (admin-only) is
// the caller's responsibility; this method only performs the write.
func (m *Manager) AdminAddSolver(solverPubkey, addedBy string) error {
	return m.store.AddSolver(&storage.Solver{Pubkey: solverPubkey, AddedBy: addedBy})
}
