// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/safregistry/ledger-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. A mutation acknowledged as
// successful has been committed; ApplySettlement is all-or-nothing.
type Store interface {
	// --- Roles ---

	// SaveRole records a tradable role for an identity. Overwrites any
	// existing role; role-conflict checks happen above the store.
	SaveRole(ctx context.Context, identity model.Identity, role model.Role) error

	// RoleOf returns the tradable role held by an identity, or RoleNone.
	RoleOf(ctx context.Context, identity model.Identity) (model.Role, error)

	// AddRegistry marks an identity as a registry authority. Idempotent.
	AddRegistry(ctx context.Context, identity model.Identity) error

	// IsRegistry reports whether an identity is a registry authority.
	IsRegistry(ctx context.Context, identity model.Identity) (bool, error)

	// --- Certificates ---

	// CreateCertificate persists a new certificate and assigns the next
	// unused id (monotonic, never reused).
	CreateCertificate(ctx context.Context, cert *model.Certificate) error

	// GetCertificate retrieves a certificate by id.
	GetCertificate(ctx context.Context, id int64) (*model.Certificate, error)

	// ListCertificates returns all certificates ordered by id.
	ListCertificates(ctx context.Context) ([]model.Certificate, error)

	// CertificatesByOwner returns all certificates owned by an identity.
	CertificatesByOwner(ctx context.Context, owner model.Identity) ([]model.Certificate, error)

	// SetCertificateListed marks a certificate as listed for bidding.
	SetCertificateListed(ctx context.Context, id int64) error

	// --- Bids ---

	// CreateBid persists a new bid and assigns the next unused id.
	CreateBid(ctx context.Context, bid *model.Bid) error

	// GetBid retrieves a bid by id.
	GetBid(ctx context.Context, id int64) (*model.Bid, error)

	// BidsByCertificate returns all bids against a certificate.
	BidsByCertificate(ctx context.Context, certID int64) ([]model.Bid, error)

	// UpdateBid overwrites the mutable fields of an existing bid.
	UpdateBid(ctx context.Context, bid *model.Bid) error

	// --- Settlement ---

	// ApplySettlement atomically decrements the parent certificate's
	// remaining quantity, mints the child certificate (assigning its id),
	// updates the bid, and appends the trade record. Fails with an
	// InsufficientQuantity fault — leaving all four untouched — if the
	// parent's remaining quantity is below quantity at commit time.
	ApplySettlement(ctx context.Context, parentID, quantity int64, child *model.Certificate, bid *model.Bid, rec *model.TradeRecord) error

	// ListTradeRecords returns all trade records ordered by time.
	ListTradeRecords(ctx context.Context) ([]model.TradeRecord, error)

	// TradeRecordsByCertificate returns trades touching a certificate,
	// as parent or as minted child.
	TradeRecordsByCertificate(ctx context.Context, certID int64) ([]model.TradeRecord, error)
}
