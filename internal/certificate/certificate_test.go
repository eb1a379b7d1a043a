package certificate_test

import (
	"context"
	"testing"

	"github.com/safregistry/ledger-engine/internal/certificate"
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

func newEnv(t *testing.T) (*certificate.Store, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.AddRegistry(ctx, registrar); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	rr := roles.NewRegistry(ms)
	if err := rr.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Fatalf("admit supplier: %v", err)
	}
	if err := rr.AdmitAirline(ctx, airline, registrar); err != nil {
		t.Fatalf("admit airline: %v", err)
	}
	return certificate.NewStore(ms, rr), ms
}

func TestRegister(t *testing.T) {
	cs, _ := newEnv(t)

	cert, err := cs.Register(context.Background(), 1000, supplier)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if cert.ID != 1 {
		t.Errorf("expected first certificate id=1, got %d", cert.ID)
	}
	if cert.OriginalQuantity != 1000 || cert.RemainingQuantity != 1000 {
		t.Errorf("expected quantities 1000/1000, got %d/%d",
			cert.OriginalQuantity, cert.RemainingQuantity)
	}
	if cert.ParentID != 0 {
		t.Errorf("root mint should have no parent, got %d", cert.ParentID)
	}
	if cert.Listed {
		t.Error("new certificate should not be listed")
	}
}

func TestRegister_MonotonicIDs(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	c1, _ := cs.Register(ctx, 100, supplier)
	// A failed call must not consume or disturb the id sequence.
	if _, err := cs.Register(ctx, 100, airline); err == nil {
		t.Fatal("expected register with airline owner to fail")
	}
	c2, _ := cs.Register(ctx, 200, supplier)

	if c2.ID != c1.ID+1 {
		t.Errorf("ids should be consecutive, got %d then %d", c1.ID, c2.ID)
	}
}

func TestRegister_NotSupplier(t *testing.T) {
	cs, _ := newEnv(t)

	_, err := cs.Register(context.Background(), 1000, airline)
	if fault.KindOf(err) != fault.Unauthorized {
		t.Errorf("expected unauthorized for non-supplier owner, got %v", err)
	}
}

func TestRegister_NonPositiveQuantity(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	for _, qty := range []int64{0, -5} {
		_, err := cs.Register(ctx, qty, supplier)
		if fault.KindOf(err) != fault.InvalidArgument {
			t.Errorf("quantity %d: expected invalid_argument, got %v", qty, err)
		}
	}
}

func TestList(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	cert, _ := cs.Register(ctx, 1000, supplier)

	listed, err := cs.List(ctx, cert.ID, supplier)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !listed.Listed {
		t.Error("certificate should be listed")
	}
}

func TestList_Idempotent(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	cert, _ := cs.Register(ctx, 1000, supplier)

	if _, err := cs.List(ctx, cert.ID, supplier); err != nil {
		t.Fatalf("first list failed: %v", err)
	}
	second, err := cs.List(ctx, cert.ID, supplier)
	if err != nil {
		t.Fatalf("second list should succeed: %v", err)
	}
	if !second.Listed {
		t.Error("certificate should remain listed")
	}
}

func TestList_NotOwner(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	cert, _ := cs.Register(ctx, 1000, supplier)

	_, err := cs.List(ctx, cert.ID, airline)
	if fault.KindOf(err) != fault.Unauthorized {
		t.Errorf("expected unauthorized for non-owner, got %v", err)
	}
}

func TestList_NotFound(t *testing.T) {
	cs, _ := newEnv(t)

	_, err := cs.List(context.Background(), 99, supplier)
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestStageSplit(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	cert, _ := cs.Register(ctx, 1000, supplier)

	split, err := cs.StageSplit(ctx, cert.ID, 300, airline)
	if err != nil {
		t.Fatalf("stage split failed: %v", err)
	}
	if split.NewRemaining != 700 {
		t.Errorf("expected new remaining 700, got %d", split.NewRemaining)
	}
	if split.Child.OriginalQuantity != 300 || split.Child.RemainingQuantity != 300 {
		t.Errorf("child quantities should be 300/300, got %d/%d",
			split.Child.OriginalQuantity, split.Child.RemainingQuantity)
	}
	if split.Child.ParentID != cert.ID {
		t.Errorf("child parent should be %d, got %d", cert.ID, split.Child.ParentID)
	}
	if split.Child.Owner != airline {
		t.Errorf("child owner should be the bidder, got %s", split.Child.Owner)
	}
	if split.Child.Listed {
		t.Error("child should not be born listed")
	}
}

func TestStageSplit_InsufficientQuantity(t *testing.T) {
	cs, _ := newEnv(t)
	ctx := context.Background()

	cert, _ := cs.Register(ctx, 100, supplier)

	_, err := cs.StageSplit(ctx, cert.ID, 101, airline)
	if fault.KindOf(err) != fault.InsufficientQuantity {
		t.Errorf("expected insufficient_quantity, got %v", err)
	}
}

func TestGetLineage(t *testing.T) {
	cs, ms := newEnv(t)
	ctx := context.Background()

	root, _ := cs.Register(ctx, 1000, supplier)

	// Settle a split directly through the store to create lineage.
	split, err := cs.StageSplit(ctx, root.ID, 300, airline)
	if err != nil {
		t.Fatalf("stage split: %v", err)
	}
	bid := &model.Bid{CertificateID: root.ID, Bidder: airline, Quantity: 300,
		PricePerUnit: 10, Status: model.BidPending}
	if err := ms.CreateBid(ctx, bid); err != nil {
		t.Fatalf("create bid: %v", err)
	}
	rec := &model.TradeRecord{ID: "t-1", BidID: bid.ID, CertificateID: root.ID}
	if err := ms.ApplySettlement(ctx, root.ID, 300, split.Child, bid, rec); err != nil {
		t.Fatalf("apply settlement: %v", err)
	}

	lineage, err := cs.GetLineage(ctx, split.Child.ID)
	if err != nil {
		t.Fatalf("lineage failed: %v", err)
	}
	if len(lineage.Ancestors) != 1 || lineage.Ancestors[0].ID != root.ID {
		t.Errorf("expected single ancestor %d, got %+v", root.ID, lineage.Ancestors)
	}

	rootLineage, err := cs.GetLineage(ctx, root.ID)
	if err != nil {
		t.Fatalf("root lineage failed: %v", err)
	}
	if len(rootLineage.Children) != 1 || rootLineage.Children[0].ID != split.Child.ID {
		t.Errorf("expected single child %d, got %+v", split.Child.ID, rootLineage.Children)
	}
}
