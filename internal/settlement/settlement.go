// Package settlement implements registry-authorized trade approval: the
// accepted bid's quantity is split off the parent certificate and minted
// as a child certificate owned by the bidder, in one atomic commit.
package settlement

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/safregistry/ledger-engine/internal/bidbook"
	"github.com/safregistry/ledger-engine/internal/certificate"
	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/store"
)

// Engine executes trade settlement. It holds no state of its own; it
// mutates the certificate and bid arenas through one transactional
// store call.
type Engine struct {
	store store.Store
	certs *certificate.Store
	bids  *bidbook.Book
	roles *roles.Registry
}

// NewEngine creates the settlement engine.
func NewEngine(st store.Store, certs *certificate.Store, bids *bidbook.Book, rr *roles.Registry) *Engine {
	return &Engine{store: st, certs: certs, bids: bids, roles: rr}
}

// Result is the success payload of an approved trade.
type Result struct {
	Record             *model.TradeRecord `json:"record"`
	ParentRemaining    int64              `json:"parent_remaining"`
	ChildCertificateID int64              `json:"child_certificate_id"`
}

// ApproveTrade settles an accepted bid. Only a registry authority may
// call it. Remaining quantity is re-validated against committed state
// even though acceptance already ran: other bids may have settled in
// between, and the first settlement to execute wins. A failed approval
// leaves certificate and bid unchanged.
func (e *Engine) ApproveTrade(ctx context.Context, bidID int64, caller model.Identity) (*Result, error) {
	ok, err := e.roles.IsRegistry(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.Unauthorized, "%s is not a registry authority", caller)
	}

	bid, err := e.bids.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != model.BidAccepted {
		return nil, fault.New(fault.InvalidState, "bid %d is %s, not accepted", bidID, bid.Status)
	}
	if bid.ApprovedByRegistry {
		return nil, fault.New(fault.InvalidState, "bid %d is already settled", bidID)
	}

	unitPrice := bid.UnitPrice()
	if bid.Quantity > math.MaxInt64/unitPrice {
		return nil, fault.New(fault.Overflow, "trade total %d × %d exceeds representable range", bid.Quantity, unitPrice)
	}

	split, err := e.certs.StageSplit(ctx, bid.CertificateID, bid.Quantity, bid.Bidder)
	if err != nil {
		return nil, err
	}

	bid.ApprovedByRegistry = true
	rec := &model.TradeRecord{
		ID:            uuid.New().String(),
		BidID:         bid.ID,
		CertificateID: split.Parent.ID,
		Seller:        split.Parent.Owner,
		Buyer:         bid.Bidder,
		Quantity:      bid.Quantity,
		PricePerUnit:  unitPrice,
		Total:         decimal.NewFromInt(bid.Quantity).Mul(decimal.NewFromInt(unitPrice)),
		Timestamp:     time.Now().UTC(),
	}

	// Single all-or-nothing commit: parent decrement, child mint, bid
	// flag, trade record. The store re-checks remaining quantity here.
	if err := e.store.ApplySettlement(ctx, split.Parent.ID, bid.Quantity, split.Child, bid, rec); err != nil {
		return nil, err
	}

	return &Result{
		Record:             rec,
		ParentRemaining:    split.NewRemaining,
		ChildCertificateID: split.Child.ID,
	}, nil
}

// Trades returns every settled trade record.
func (e *Engine) Trades(ctx context.Context) ([]model.TradeRecord, error) {
	return e.store.ListTradeRecords(ctx)
}

// TradesByCertificate returns the trades touching a certificate.
func (e *Engine) TradesByCertificate(ctx context.Context, certID int64) ([]model.TradeRecord, error) {
	return e.store.TradeRecordsByCertificate(ctx, certID)
}
