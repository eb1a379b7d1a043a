// Package certificate owns the certificate arena: minting, listing, and
// the settlement split. Certificates are fungible-but-traceable: each
// carries its mint-time quantity, its remaining quantity, and the parent
// it was split from.
package certificate

import (
	"context"
	"time"

	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/store"
)

// Store is the certificate component. It depends on the role registry
// only to validate the initial owner at mint time.
type Store struct {
	store store.Store
	roles *roles.Registry
}

// NewStore creates the certificate component.
func NewStore(st store.Store, rr *roles.Registry) *Store {
	return &Store{store: st, roles: rr}
}

// Register mints a root certificate owned by a supplier. The id counter
// advances only when the mint succeeds; ids are never reused.
func (s *Store) Register(ctx context.Context, quantity int64, owner model.Identity) (*model.Certificate, error) {
	if quantity <= 0 {
		return nil, fault.New(fault.InvalidArgument, "quantity must be positive, got %d", quantity)
	}
	ok, err := s.roles.IsSupplier(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.Unauthorized, "%s is not an admitted supplier", owner)
	}

	cert := &model.Certificate{
		Owner:             owner,
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		Listed:            false,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateCertificate(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// List marks a certificate as available for bidding. Only the owner may
// list; an exhausted certificate cannot be listed. Idempotent: listing
// an already-listed certificate succeeds with no observable change.
func (s *Store) List(ctx context.Context, certID int64, caller model.Identity) (*model.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Owner != caller {
		return nil, fault.New(fault.Unauthorized, "%s does not own certificate %d", caller, certID)
	}
	if cert.Exhausted() {
		return nil, fault.New(fault.InvalidState, "certificate %d is exhausted", certID)
	}
	if cert.Listed {
		return cert, nil
	}
	if err := s.store.SetCertificateListed(ctx, certID); err != nil {
		return nil, err
	}
	cert.Listed = true
	return cert, nil
}

// Get retrieves a certificate by id.
func (s *Store) Get(ctx context.Context, certID int64) (*model.Certificate, error) {
	return s.store.GetCertificate(ctx, certID)
}

// All returns every certificate, root and child, ordered by id.
func (s *Store) All(ctx context.Context) ([]model.Certificate, error) {
	return s.store.ListCertificates(ctx)
}

// ByOwner returns the certificates held by an identity.
func (s *Store) ByOwner(ctx context.Context, owner model.Identity) ([]model.Certificate, error) {
	return s.store.CertificatesByOwner(ctx, owner)
}

// Lineage holds a certificate with its ancestry chain and direct children.
type Lineage struct {
	Certificate *model.Certificate  `json:"certificate"`
	Ancestors   []model.Certificate `json:"ancestors"` // nearest parent first
	Children    []model.Certificate `json:"children"`
}

// GetLineage walks the parent chain up to the root mint and collects the
// certificates split off this one.
func (s *Store) GetLineage(ctx context.Context, certID int64) (*Lineage, error) {
	cert, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}

	lineage := &Lineage{Certificate: cert}
	for parentID := cert.ParentID; parentID != 0; {
		parent, err := s.store.GetCertificate(ctx, parentID)
		if err != nil {
			return nil, err
		}
		lineage.Ancestors = append(lineage.Ancestors, *parent)
		parentID = parent.ParentID
	}

	all, err := s.store.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.ParentID == certID {
			lineage.Children = append(lineage.Children, c)
		}
	}
	return lineage, nil
}

// Split is a staged settlement split: validated against committed state
// but not yet persisted. The settlement engine commits the child together
// with the bid mutation in one store transaction.
type Split struct {
	Parent       *model.Certificate
	NewRemaining int64
	Child        *model.Certificate
}

// StageSplit validates splitting quantity off a certificate for a new
// owner and builds the child certificate. The child's id is assigned at
// commit; the remaining-quantity guard is re-checked there as well, so a
// stale stage can never over-settle.
func (s *Store) StageSplit(ctx context.Context, certID, quantity int64, newOwner model.Identity) (*Split, error) {
	if quantity <= 0 {
		return nil, fault.New(fault.InvalidArgument, "split quantity must be positive, got %d", quantity)
	}
	parent, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if quantity > parent.RemainingQuantity {
		return nil, fault.New(fault.InsufficientQuantity,
			"certificate %d has %d remaining, requested %d",
			certID, parent.RemainingQuantity, quantity)
	}

	child := &model.Certificate{
		Owner:             newOwner,
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		ParentID:          certID,
		Listed:            false,
		CreatedAt:         time.Now().UTC(),
	}
	return &Split{
		Parent:       parent,
		NewRemaining: parent.RemainingQuantity - quantity,
		Child:        child,
	}, nil
}
