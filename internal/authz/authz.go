// Package authz maps an inbound sender key to its role on a given
// order (buyer / seller / creator / admin / solver), the "Identity &
// authorisation" component of SPEC_FULL.md §2. Every action's guard in
// the order state machine and dispute subsystem goes through here
// rather than comparing pubkeys inline, so the authorisation rule for
// a role only needs to be right once.
package authz

import (
	"github.com/mostrond/mostrond/internal/storage"
)

// Role is a participant's standing with respect to one order.
type Role string

const (
	RoleCreator Role = "creator"
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleAdmin   Role = "admin"
	RoleSolver  Role = "solver"
)

// SolverRegistry reports whether a pubkey is a registered dispute
// solver, satisfied by internal/storage.Storage.
type SolverRegistry interface {
	IsSolver(pubkey string) (bool, error)
}

// Resolver resolves a pubkey's role(s).
type Resolver struct {
	adminPubkey string
	solvers     SolverRegistry
}

// New returns a Resolver. adminPubkey is the operator's own identity,
// always authorised for admin-only actions regardless of the solver
// registry.
func New(adminPubkey string, solvers SolverRegistry) *Resolver {
	return &Resolver{adminPubkey: adminPubkey, solvers: solvers}
}

// RolesOnOrder returns every role pubkey holds with respect to o. A
// pubkey may hold more than one role (the creator is also the buyer or
// seller once an order is taken).
func (r *Resolver) RolesOnOrder(o *storage.Order, pubkey string) []Role {
	var roles []Role
	if o.CreatorPubkey == pubkey {
		roles = append(roles, RoleCreator)
	}
	if o.BuyerPubkey != nil && *o.BuyerPubkey == pubkey {
		roles = append(roles, RoleBuyer)
	}
	if o.SellerPubkey != nil && *o.SellerPubkey == pubkey {
		roles = append(roles, RoleSeller)
	}
	return roles
}

// IsParticipant reports whether pubkey holds any role on o.
func (r *Resolver) IsParticipant(o *storage.Order, pubkey string) bool {
	return len(r.RolesOnOrder(o, pubkey)) > 0
}

// IsBuyer reports whether pubkey is o's buyer.
func (r *Resolver) IsBuyer(o *storage.Order, pubkey string) bool {
	return o.BuyerPubkey != nil && *o.BuyerPubkey == pubkey
}

// IsSeller reports whether pubkey is o's seller.
func (r *Resolver) IsSeller(o *storage.Order, pubkey string) bool {
	return o.SellerPubkey != nil && *o.SellerPubkey == pubkey
}

// IsCreator reports whether pubkey created o.
func (r *Resolver) IsCreator(o *storage.Order, pubkey string) bool {
	return o.CreatorPubkey == pubkey
}

// IsAdmin reports whether pubkey is the configured operator identity.
func (r *Resolver) IsAdmin(pubkey string) bool {
	return r.adminPubkey != "" && r.adminPubkey == pubkey
}

// IsAdminOrSolver reports whether pubkey may act on disputes: either
// the operator identity, or a pubkey in the solver registry.
func (r *Resolver) IsAdminOrSolver(pubkey string) (bool, error) {
	if r.IsAdmin(pubkey) {
		return true, nil
	}
	return r.solvers.IsSolver(pubkey)
}

// IsAssignedSolver reports whether pubkey is the solver assigned to
// dispute d, or the operator identity (SPEC_FULL.md §4.3's
// "AdminSettle: assigned solver (or admin)").
func IsAssignedSolver(d *storage.Dispute, pubkey string, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	return d.SolverPubkey != nil && *d.SolverPubkey == pubkey
}
