package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safregistry/ledger-engine/internal/bidbook"
	"github.com/safregistry/ledger-engine/internal/certificate"
	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/settlement"
	"github.com/safregistry/ledger-engine/internal/store"
)

const (
	registrar = model.Identity("registrar-1")
	supplier  = model.Identity("supplier-1")
	airline   = model.Identity("airline-1")
	airline2  = model.Identity("airline-2")
)

type env struct {
	store  store.Store
	certs  *certificate.Store
	bids   *bidbook.Book
	engine *settlement.Engine
}

// newEnv builds the full component stack over the given store (memory
// store if nil) with the standard participants admitted.
func newEnv(t *testing.T, st store.Store) *env {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	ctx := context.Background()
	if err := st.AddRegistry(ctx, registrar); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	rr := roles.NewRegistry(st)
	if err := rr.AdmitSupplier(ctx, supplier, registrar); err != nil {
		t.Fatalf("admit supplier: %v", err)
	}
	if err := rr.AdmitAirline(ctx, airline, registrar); err != nil {
		t.Fatalf("admit airline: %v", err)
	}
	if err := rr.AdmitAirline(ctx, airline2, registrar); err != nil {
		t.Fatalf("admit airline2: %v", err)
	}

	certs := certificate.NewStore(st, rr)
	bids := bidbook.NewBook(st, certs, rr)
	return &env{
		store:  st,
		certs:  certs,
		bids:   bids,
		engine: settlement.NewEngine(st, certs, bids, rr),
	}
}

// seedAcceptedBid registers a listed certificate of the given quantity
// and an accepted bid against it.
func (e *env) seedAcceptedBid(t *testing.T, certQty, bidQty, price int64, bidder model.Identity) (*model.Certificate, *model.Bid) {
	t.Helper()
	ctx := context.Background()

	cert, err := e.certs.Register(ctx, certQty, supplier)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.certs.List(ctx, cert.ID, supplier); err != nil {
		t.Fatalf("list: %v", err)
	}
	bid, err := e.bids.Place(ctx, cert.ID, bidQty, price, bidder, time.Time{})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := e.bids.Accept(ctx, bid.ID, supplier); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return cert, bid
}

// TestApproveTrade_ReferenceScenario pins the canonical flow: a 1000-unit
// certificate, a 300 @ 1200 bid, acceptance, then registry settlement.
func TestApproveTrade_ReferenceScenario(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cert, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)
	if cert.ID != 1 || bid.ID != 1 {
		t.Fatalf("expected cert id=1 and bid id=1, got %d/%d", cert.ID, bid.ID)
	}

	result, err := e.engine.ApproveTrade(ctx, bid.ID, registrar)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if result.ParentRemaining != 700 {
		t.Errorf("expected parent remaining 700, got %d", result.ParentRemaining)
	}
	if result.ChildCertificateID != 2 {
		t.Errorf("expected child certificate id=2, got %d", result.ChildCertificateID)
	}

	parent, _ := e.certs.Get(ctx, cert.ID)
	if parent.RemainingQuantity != 700 {
		t.Errorf("stored parent remaining should be 700, got %d", parent.RemainingQuantity)
	}
	if parent.OriginalQuantity != 1000 {
		t.Errorf("original quantity is immutable, got %d", parent.OriginalQuantity)
	}

	child, err := e.certs.Get(ctx, result.ChildCertificateID)
	if err != nil {
		t.Fatalf("child not found: %v", err)
	}
	if child.ParentID != cert.ID {
		t.Errorf("child parent should be %d, got %d", cert.ID, child.ParentID)
	}
	if child.Owner != airline {
		t.Errorf("child owner should be the bidder, got %s", child.Owner)
	}
	if child.OriginalQuantity != 300 || child.RemainingQuantity != 300 {
		t.Errorf("child quantities should be 300/300, got %d/%d",
			child.OriginalQuantity, child.RemainingQuantity)
	}

	settled, _ := e.bids.Get(ctx, bid.ID)
	if !settled.ApprovedByRegistry {
		t.Error("bid should be flagged approved by registry")
	}

	if !result.Record.Total.Equal(decimal.NewFromInt(360000)) {
		t.Errorf("trade total should be 360000, got %s", result.Record.Total)
	}
}

func TestApproveTrade_QuantityConservation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cert, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)

	// Second settled split off the same parent.
	bid2, err := e.bids.Place(ctx, cert.ID, 500, 1100, airline2, time.Time{})
	if err != nil {
		t.Fatalf("place second: %v", err)
	}
	if _, err := e.bids.Accept(ctx, bid2.ID, supplier); err != nil {
		t.Fatalf("accept second: %v", err)
	}

	if _, err := e.engine.ApproveTrade(ctx, bid.ID, registrar); err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	if _, err := e.engine.ApproveTrade(ctx, bid2.ID, registrar); err != nil {
		t.Fatalf("second settlement: %v", err)
	}

	parent, _ := e.certs.Get(ctx, cert.ID)
	all, _ := e.certs.All(ctx)

	var childSum int64
	for _, c := range all {
		if c.ParentID == cert.ID {
			childSum += c.OriginalQuantity
		}
	}
	if parent.RemainingQuantity+childSum != parent.OriginalQuantity {
		t.Errorf("conservation violated: remaining %d + children %d != original %d",
			parent.RemainingQuantity, childSum, parent.OriginalQuantity)
	}
}

// TestApproveTrade_OverCommitted pins the conflict-resolution rule: the
// first settlement wins, later over-committed bids fail cleanly.
func TestApproveTrade_OverCommitted(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cert, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)

	// Overlapping bid for 800: fine at placement, accepted by supplier.
	bid2, err := e.bids.Place(ctx, cert.ID, 800, 1300, airline2, time.Time{})
	if err != nil {
		t.Fatalf("place second: %v", err)
	}
	if _, err := e.bids.Accept(ctx, bid2.ID, supplier); err != nil {
		t.Fatalf("accept second: %v", err)
	}

	if _, err := e.engine.ApproveTrade(ctx, bid.ID, registrar); err != nil {
		t.Fatalf("first settlement: %v", err)
	}

	// 800 > 700 remaining: must fail and change nothing.
	_, err = e.engine.ApproveTrade(ctx, bid2.ID, registrar)
	if fault.KindOf(err) != fault.InsufficientQuantity {
		t.Fatalf("expected insufficient_quantity, got %v", err)
	}

	parent, _ := e.certs.Get(ctx, cert.ID)
	if parent.RemainingQuantity != 700 {
		t.Errorf("failed settlement must not change remaining, got %d", parent.RemainingQuantity)
	}
	stale, _ := e.bids.Get(ctx, bid2.ID)
	if stale.ApprovedByRegistry {
		t.Error("failed settlement must not flag the bid")
	}
	if stale.Status != model.BidAccepted {
		t.Errorf("failed settlement must not change bid status, got %s", stale.Status)
	}
}

func TestApproveTrade_NotRegistry(t *testing.T) {
	e := newEnv(t, nil)
	_, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)

	_, err := e.engine.ApproveTrade(context.Background(), bid.ID, supplier)
	if fault.KindOf(err) != fault.Unauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestApproveTrade_RequiresAcceptedBid(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cert, err := e.certs.Register(ctx, 1000, supplier)
	if err != nil {
		t.Fatal(err)
	}
	e.certs.List(ctx, cert.ID, supplier)
	bid, err := e.bids.Place(ctx, cert.ID, 300, 1200, airline, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	// Still pending.
	_, err = e.engine.ApproveTrade(ctx, bid.ID, registrar)
	if fault.KindOf(err) != fault.InvalidState {
		t.Errorf("expected invalid_state for pending bid, got %v", err)
	}
}

func TestApproveTrade_DoubleSettlement(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)

	if _, err := e.engine.ApproveTrade(ctx, bid.ID, registrar); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	_, err := e.engine.ApproveTrade(ctx, bid.ID, registrar)
	if fault.KindOf(err) != fault.InvalidState {
		t.Errorf("expected invalid_state for already-settled bid, got %v", err)
	}
}

func TestApproveTrade_CounteredPriceUsed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cert, err := e.certs.Register(ctx, 1000, supplier)
	if err != nil {
		t.Fatal(err)
	}
	e.certs.List(ctx, cert.ID, supplier)
	bid, err := e.bids.Place(ctx, cert.ID, 300, 1200, airline, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.bids.Counter(ctx, bid.ID, 1500, supplier); err != nil {
		t.Fatal(err)
	}
	if _, err := e.bids.AcceptCounter(ctx, bid.ID, airline); err != nil {
		t.Fatal(err)
	}

	result, err := e.engine.ApproveTrade(ctx, bid.ID, registrar)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if result.Record.PricePerUnit != 1500 {
		t.Errorf("settlement should use the counter price, got %d", result.Record.PricePerUnit)
	}
}

// faultyStore fails the settlement commit to exercise atomicity.
type faultyStore struct {
	store.Store
	failSettlement bool
}

func (f *faultyStore) ApplySettlement(ctx context.Context, parentID, quantity int64, child *model.Certificate, bid *model.Bid, rec *model.TradeRecord) error {
	if f.failSettlement {
		return errors.New("injected commit failure")
	}
	return f.Store.ApplySettlement(ctx, parentID, quantity, child, bid, rec)
}

func TestApproveTrade_AtomicOnCommitFailure(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore()}
	e := newEnv(t, fs)
	ctx := context.Background()

	cert, bid := e.seedAcceptedBid(t, 1000, 300, 1200, airline)

	fs.failSettlement = true
	if _, err := e.engine.ApproveTrade(ctx, bid.ID, registrar); err == nil {
		t.Fatal("expected injected failure")
	}

	parent, _ := e.certs.Get(ctx, cert.ID)
	if parent.RemainingQuantity != 1000 {
		t.Errorf("remaining must be untouched after failed commit, got %d", parent.RemainingQuantity)
	}
	all, _ := e.certs.All(ctx)
	if len(all) != 1 {
		t.Errorf("no child may exist after failed commit, got %d certificates", len(all))
	}
	got, _ := e.bids.Get(ctx, bid.ID)
	if got.ApprovedByRegistry {
		t.Error("bid must not be flagged after failed commit")
	}

	// The ledger stays consistent and callable: retry succeeds.
	fs.failSettlement = false
	if _, err := e.engine.ApproveTrade(ctx, bid.ID, registrar); err != nil {
		t.Errorf("retry after failure should succeed, got %v", err)
	}
}
