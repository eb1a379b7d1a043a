// Package model defines the core domain types shared across the ledger
// engine. Quantities and unit prices are integers (smallest unit);
// derived monetary totals use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Identity is an opaque participant token (e.g. an account address).
// It is asserted by the execution environment, not authenticated here.
type Identity string

// Role is a tradable-participant role. An identity holds at most one of
// these; registry authority is tracked independently.
type Role string

const (
	RoleNone     Role = ""
	RoleSupplier Role = "supplier"
	RoleAirline  Role = "airline"
)

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidCountered BidStatus = "countered"
	BidAccepted  BidStatus = "accepted"
	BidDenied    BidStatus = "denied"
	BidExpired   BidStatus = "expired"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s BidStatus) Terminal() bool {
	return s == BidAccepted || s == BidDenied || s == BidExpired
}

// Certificate is a record of a quantity of SAF attributed to an owner.
// Certificates are never deleted; an exhausted certificate (remaining
// quantity zero) stays as a historical record.
type Certificate struct {
	ID                int64     `json:"id" db:"id"`
	Owner             Identity  `json:"owner" db:"owner"`
	OriginalQuantity  int64     `json:"original_quantity" db:"original_quantity"`
	RemainingQuantity int64     `json:"remaining_quantity" db:"remaining_quantity"`
	ParentID          int64     `json:"parent_id,omitempty" db:"parent_id"` // 0 for root-minted
	Listed            bool      `json:"listed" db:"listed"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Exhausted reports whether the certificate has no remaining quantity.
func (c *Certificate) Exhausted() bool {
	return c.RemainingQuantity == 0
}

// Bid is an airline's offer to purchase a quantity of a listed
// certificate. Bids are never deleted.
type Bid struct {
	ID                 int64     `json:"id" db:"id"`
	CertificateID      int64     `json:"certificate_id" db:"certificate_id"`
	Bidder             Identity  `json:"bidder" db:"bidder"`
	Quantity           int64     `json:"quantity" db:"quantity"`
	PricePerUnit       int64     `json:"price_per_unit" db:"price_per_unit"`
	Status             BidStatus `json:"status" db:"status"`
	CounterPrice       int64     `json:"counter_price,omitempty" db:"counter_price"` // 0 unless countered
	ApprovedByRegistry bool      `json:"approved_by_registry" db:"approved_by_registry"`
	ExpiresAt          time.Time `json:"expires_at" db:"expires_at"` // zero = no expiry
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// UnitPrice returns the effective settlement price: the counter price
// once a counter-offer has been made, the original price otherwise.
func (b *Bid) UnitPrice() int64 {
	if b.CounterPrice > 0 {
		return b.CounterPrice
	}
	return b.PricePerUnit
}

// TradeRecord is an immutable record of a settled trade. Once created,
// these are never modified or deleted.
type TradeRecord struct {
	ID                 string          `json:"id" db:"id"`
	BidID              int64           `json:"bid_id" db:"bid_id"`
	CertificateID      int64           `json:"certificate_id" db:"certificate_id"` // parent
	ChildCertificateID int64           `json:"child_certificate_id" db:"child_certificate_id"`
	Seller             Identity        `json:"seller" db:"seller"`
	Buyer              Identity        `json:"buyer" db:"buyer"`
	Quantity           int64           `json:"quantity" db:"quantity"`
	PricePerUnit       int64           `json:"price_per_unit" db:"price_per_unit"`
	Total              decimal.Decimal `json:"total" db:"total"` // quantity × price_per_unit
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
}
