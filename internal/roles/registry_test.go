package roles_test

import (
	"context"
	"testing"

	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/store"
)

const (
	registrar = model.Identity("registrar-1")
	supplier  = model.Identity("supplier-1")
	airline   = model.Identity("airline-1")
)

func newRegistry(t *testing.T) *roles.Registry {
	t.Helper()
	ms := store.NewMemoryStore()
	if err := ms.AddRegistry(context.Background(), registrar); err != nil {
		t.Fatalf("failed to seed registry authority: %v", err)
	}
	return roles.NewRegistry(ms)
}

func TestAdmitSupplier(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Fatalf("admit supplier failed: %v", err)
	}

	ok, err := r.IsSupplier(ctx, supplier)
	if err != nil {
		t.Fatalf("IsSupplier failed: %v", err)
	}
	if !ok {
		t.Error("expected identity to be a supplier")
	}

	ok, _ = r.IsAirline(ctx, supplier)
	if ok {
		t.Error("supplier should not also be an airline")
	}
}

func TestAdmitSupplier_Unauthorized(t *testing.T) {
	r := newRegistry(t)

	err := r.AdmitSupplier(context.Background(), supplier, "random-caller")
	if fault.KindOf(err) != fault.Unauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestAdmitSupplier_Idempotent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	if err := r.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Errorf("re-admitting same role should succeed, got %v", err)
	}
}

func TestAdmitAirline_RoleConflict(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Fatalf("admit supplier failed: %v", err)
	}

	err := r.AdmitAirline(ctx, supplier, registrar)
	if fault.KindOf(err) != fault.RoleConflict {
		t.Errorf("expected role_conflict, got %v", err)
	}
}

func TestAdmit_EmptyIdentity(t *testing.T) {
	r := newRegistry(t)

	err := r.AdmitAirline(context.Background(), "", registrar)
	if fault.KindOf(err) != fault.InvalidArgument {
		t.Errorf("expected invalid_argument, got %v", err)
	}
}

func TestAdmitRegistry(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	second := model.Identity("registrar-2")
	if err := r.AdmitRegistry(ctx, second, registrar); err != nil {
		t.Fatalf("admit registry failed: %v", err)
	}

	ok, _ := r.IsRegistry(ctx, second)
	if !ok {
		t.Error("expected second identity to be a registry authority")
	}

	// The new authority can itself admit.
	if err := r.AdmitAirline(ctx, airline, second); err != nil {
		t.Errorf("new authority should be able to admit, got %v", err)
	}
}

func TestAdmitRegistry_Unauthorized(t *testing.T) {
	r := newRegistry(t)

	err := r.AdmitRegistry(context.Background(), "registrar-2", supplier)
	if fault.KindOf(err) != fault.Unauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestLookups_NeverFailForUnknown(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, fn := range []func(context.Context, model.Identity) (bool, error){
		r.IsSupplier, r.IsAirline, r.IsRegistry,
	} {
		ok, err := fn(ctx, "nobody")
		if err != nil {
			t.Errorf("lookup failed: %v", err)
		}
		if ok {
			t.Error("unknown identity should hold no role")
		}
	}
}
