// Package bidbook owns the bid arena and its lifecycle state machine:
//
//	pending   → countered | accepted | denied | expired
//	countered → accepted | denied | expired
//	accepted, denied, expired → terminal
//
// Quantity is not reserved at bid time; capacity is checked again at
// settlement, and only the first settlement against a certificate's
// remaining quantity wins.
package bidbook

import (
	"context"
	"math"
	"time"

	"github.com/safregistry/ledger-engine/internal/certificate"
	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/store"
)

// Book is the bid-lifecycle component.
type Book struct {
	store store.Store
	certs *certificate.Store
	roles *roles.Registry
}

// NewBook creates the bid book.
func NewBook(st store.Store, certs *certificate.Store, rr *roles.Registry) *Book {
	return &Book{store: st, certs: certs, roles: rr}
}

// Place creates a pending bid from an airline against a listed
// certificate. expiresAt is advisory; zero means the bid never expires.
func (b *Book) Place(ctx context.Context, certID, quantity, pricePerUnit int64, bidder model.Identity, expiresAt time.Time) (*model.Bid, error) {
	if quantity <= 0 {
		return nil, fault.New(fault.InvalidArgument, "quantity must be positive, got %d", quantity)
	}
	if pricePerUnit <= 0 {
		return nil, fault.New(fault.InvalidArgument, "price per unit must be positive, got %d", pricePerUnit)
	}
	if quantity > math.MaxInt64/pricePerUnit {
		return nil, fault.New(fault.Overflow, "bid total %d × %d exceeds representable range", quantity, pricePerUnit)
	}

	ok, err := b.roles.IsAirline(ctx, bidder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.Unauthorized, "%s is not an admitted airline", bidder)
	}

	cert, err := b.certs.Get(ctx, certID)
	if err != nil {
		return nil, err
	}
	if !cert.Listed {
		return nil, fault.New(fault.InvalidState, "certificate %d is not listed for bidding", certID)
	}
	if quantity > cert.RemainingQuantity {
		return nil, fault.New(fault.InsufficientQuantity,
			"certificate %d has %d remaining, bid asks %d",
			certID, cert.RemainingQuantity, quantity)
	}

	bid := &model.Bid{
		CertificateID: certID,
		Bidder:        bidder,
		Quantity:      quantity,
		PricePerUnit:  pricePerUnit,
		Status:        model.BidPending,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := b.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Counter records a supplier counter-offer on a pending or countered bid.
func (b *Book) Counter(ctx context.Context, bidID, newPrice int64, caller model.Identity) (*model.Bid, error) {
	if newPrice <= 0 {
		return nil, fault.New(fault.InvalidArgument, "counter price must be positive, got %d", newPrice)
	}
	bid, err := b.ownedOpenBid(ctx, bidID, caller)
	if err != nil {
		return nil, err
	}
	if bid.Quantity > math.MaxInt64/newPrice {
		return nil, fault.New(fault.Overflow, "counter total %d × %d exceeds representable range", bid.Quantity, newPrice)
	}

	bid.CounterPrice = newPrice
	bid.Status = model.BidCountered
	if err := b.store.UpdateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Accept is the supplier-side acceptance of the bid's current terms,
// original or countered. It marks the bid ready for settlement; moving
// quantity is a separate registry-authorized step.
func (b *Book) Accept(ctx context.Context, bidID int64, caller model.Identity) (*model.Bid, error) {
	bid, err := b.ownedOpenBid(ctx, bidID, caller)
	if err != nil {
		return nil, err
	}

	bid.Status = model.BidAccepted
	if err := b.store.UpdateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// AcceptCounter is the airline-side acceptance of a counter-offer.
func (b *Book) AcceptCounter(ctx context.Context, bidID int64, caller model.Identity) (*model.Bid, error) {
	bid, err := b.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Bidder != caller {
		return nil, fault.New(fault.Unauthorized, "%s did not place bid %d", caller, bidID)
	}
	if bid.Status != model.BidCountered {
		return nil, fault.New(fault.InvalidState, "bid %d is %s, not countered", bidID, bid.Status)
	}

	bid.Status = model.BidAccepted
	if err := b.store.UpdateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Deny rejects a pending or countered bid. Terminal.
func (b *Book) Deny(ctx context.Context, bidID int64, caller model.Identity) (*model.Bid, error) {
	bid, err := b.ownedOpenBid(ctx, bidID, caller)
	if err != nil {
		return nil, err
	}

	bid.Status = model.BidDenied
	if err := b.store.UpdateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Expire marks a pending or countered bid expired once the supplied
// clock has passed its advisory expiry. Any caller may invoke it; it
// never reverses an accepted bid.
func (b *Book) Expire(ctx context.Context, bidID int64, now time.Time) (*model.Bid, error) {
	bid, err := b.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status.Terminal() {
		return nil, fault.New(fault.InvalidState, "bid %d is already %s", bidID, bid.Status)
	}
	if bid.ExpiresAt.IsZero() {
		return nil, fault.New(fault.InvalidState, "bid %d has no expiry", bidID)
	}
	if !now.After(bid.ExpiresAt) {
		return nil, fault.New(fault.InvalidState, "bid %d does not expire until %s", bidID, bid.ExpiresAt.Format(time.RFC3339))
	}

	bid.Status = model.BidExpired
	if err := b.store.UpdateBid(ctx, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Get retrieves a bid by id.
func (b *Book) Get(ctx context.Context, bidID int64) (*model.Bid, error) {
	return b.store.GetBid(ctx, bidID)
}

// ByCertificate returns all bids against a certificate.
func (b *Book) ByCertificate(ctx context.Context, certID int64) ([]model.Bid, error) {
	return b.store.BidsByCertificate(ctx, certID)
}

// ownedOpenBid loads a bid and checks that the caller owns the
// referenced certificate and the bid is still open (pending/countered).
func (b *Book) ownedOpenBid(ctx context.Context, bidID int64, caller model.Identity) (*model.Bid, error) {
	bid, err := b.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	cert, err := b.certs.Get(ctx, bid.CertificateID)
	if err != nil {
		return nil, err
	}
	if cert.Owner != caller {
		return nil, fault.New(fault.Unauthorized, "%s does not own certificate %d", caller, cert.ID)
	}
	if bid.Status.Terminal() {
		return nil, fault.New(fault.InvalidState, "bid %d is already %s", bidID, bid.Status)
	}
	return bid, nil
}
