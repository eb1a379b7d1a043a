// Package roles tracks which identities are admitted as suppliers,
// airlines, or registry authorities. Supplier and airline are mutually
// exclusive; registry authority is held independently and is the only
// role allowed to admit participants or approve trades.
package roles

import (
	"context"

	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
)

// Registry is the role-admission component.
type Registry struct {
	store Store
}

// Store is the slice of persistence the registry needs.
type Store interface {
	SaveRole(ctx context.Context, identity model.Identity, role model.Role) error
	RoleOf(ctx context.Context, identity model.Identity) (model.Role, error)
	AddRegistry(ctx context.Context, identity model.Identity) error
	IsRegistry(ctx context.Context, identity model.Identity) (bool, error)
}

// NewRegistry creates a role registry backed by the given store.
func NewRegistry(st Store) *Registry {
	return &Registry{store: st}
}

// AdmitSupplier admits an identity as a supplier. Only a registry
// authority may call this. Idempotent if the identity is already a
// supplier; fails with RoleConflict if it is an airline.
func (r *Registry) AdmitSupplier(ctx context.Context, identity, caller model.Identity) error {
	return r.admit(ctx, identity, caller, model.RoleSupplier)
}

// AdmitAirline admits an identity as an airline under the same rules.
func (r *Registry) AdmitAirline(ctx context.Context, identity, caller model.Identity) error {
	return r.admit(ctx, identity, caller, model.RoleAirline)
}

func (r *Registry) admit(ctx context.Context, identity, caller model.Identity, role model.Role) error {
	if identity == "" {
		return fault.New(fault.InvalidArgument, "identity must not be empty")
	}
	if err := r.requireRegistry(ctx, caller); err != nil {
		return err
	}

	current, err := r.store.RoleOf(ctx, identity)
	if err != nil {
		return err
	}
	switch current {
	case role:
		return nil // already admitted
	case model.RoleNone:
		return r.store.SaveRole(ctx, identity, role)
	default:
		return fault.New(fault.RoleConflict, "%s already holds role %s", identity, current)
	}
}

// AdmitRegistry admits an additional registry authority. Only an
// existing registry authority may call this. Idempotent.
func (r *Registry) AdmitRegistry(ctx context.Context, identity, caller model.Identity) error {
	if identity == "" {
		return fault.New(fault.InvalidArgument, "identity must not be empty")
	}
	if err := r.requireRegistry(ctx, caller); err != nil {
		return err
	}
	return r.store.AddRegistry(ctx, identity)
}

// IsSupplier reports whether an identity holds the supplier role.
func (r *Registry) IsSupplier(ctx context.Context, identity model.Identity) (bool, error) {
	role, err := r.store.RoleOf(ctx, identity)
	return role == model.RoleSupplier, err
}

// IsAirline reports whether an identity holds the airline role.
func (r *Registry) IsAirline(ctx context.Context, identity model.Identity) (bool, error) {
	role, err := r.store.RoleOf(ctx, identity)
	return role == model.RoleAirline, err
}

// IsRegistry reports whether an identity is a registry authority.
func (r *Registry) IsRegistry(ctx context.Context, identity model.Identity) (bool, error) {
	return r.store.IsRegistry(ctx, identity)
}

func (r *Registry) requireRegistry(ctx context.Context, caller model.Identity) error {
	ok, err := r.store.IsRegistry(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.Unauthorized, "%s is not a registry authority", caller)
	}
	return nil
}
