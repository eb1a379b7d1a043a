package store

import (
	"context"
	"sort"
	"sync"

	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	roles      map[model.Identity]model.Role
	registry   map[model.Identity]bool
	certs      map[int64]*model.Certificate
	bids       map[int64]*model.Bid
	trades     []model.TradeRecord
	nextCertID int64
	nextBidID  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:      make(map[model.Identity]model.Role),
		registry:   make(map[model.Identity]bool),
		certs:      make(map[int64]*model.Certificate),
		bids:       make(map[int64]*model.Bid),
		nextCertID: 1,
		nextBidID:  1,
	}
}

// --- Roles ---

func (s *MemoryStore) SaveRole(_ context.Context, identity model.Identity, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[identity] = role
	return nil
}

func (s *MemoryStore) RoleOf(_ context.Context, identity model.Identity) (model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.roles[identity], nil
}

func (s *MemoryStore) AddRegistry(_ context.Context, identity model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registry[identity] = true
	return nil
}

func (s *MemoryStore) IsRegistry(_ context.Context, identity model.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.registry[identity], nil
}

// --- Certificates ---

func (s *MemoryStore) CreateCertificate(_ context.Context, cert *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert.ID = s.nextCertID
	s.nextCertID++

	// Store a copy to avoid external mutation.
	stored := *cert
	s.certs[cert.ID] = &stored
	return nil
}

func (s *MemoryStore) GetCertificate(_ context.Context, id int64) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certs[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "certificate %d not found", id)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListCertificates(_ context.Context) ([]model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	certs := make([]model.Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		certs = append(certs, *c)
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].ID < certs[j].ID })
	return certs, nil
}

func (s *MemoryStore) CertificatesByOwner(_ context.Context, owner model.Identity) ([]model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var certs []model.Certificate
	for _, c := range s.certs {
		if c.Owner == owner {
			certs = append(certs, *c)
		}
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].ID < certs[j].ID })
	return certs, nil
}

func (s *MemoryStore) SetCertificateListed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return fault.New(fault.NotFound, "certificate %d not found", id)
	}
	c.Listed = true
	return nil
}

// --- Bids ---

func (s *MemoryStore) CreateBid(_ context.Context, bid *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid.ID = s.nextBidID
	s.nextBidID++

	stored := *bid
	s.bids[bid.ID] = &stored
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id int64) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "bid %d not found", id)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) BidsByCertificate(_ context.Context, certID int64) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bids []model.Bid
	for _, b := range s.bids {
		if b.CertificateID == certID {
			bids = append(bids, *b)
		}
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].ID < bids[j].ID })
	return bids, nil
}

func (s *MemoryStore) UpdateBid(_ context.Context, bid *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bids[bid.ID]; !ok {
		return fault.New(fault.NotFound, "bid %d not found", bid.ID)
	}
	stored := *bid
	s.bids[bid.ID] = &stored
	return nil
}

// --- Settlement ---

// ApplySettlement commits the whole split under one lock: the remaining
// quantity guard and every write happen in a single critical section, so
// a failed guard leaves no observable change.
func (s *MemoryStore) ApplySettlement(_ context.Context, parentID, quantity int64, child *model.Certificate, bid *model.Bid, rec *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.certs[parentID]
	if !ok {
		return fault.New(fault.NotFound, "certificate %d not found", parentID)
	}
	if _, ok := s.bids[bid.ID]; !ok {
		return fault.New(fault.NotFound, "bid %d not found", bid.ID)
	}
	if quantity > parent.RemainingQuantity {
		return fault.New(fault.InsufficientQuantity,
			"certificate %d has %d remaining, settlement needs %d",
			parentID, parent.RemainingQuantity, quantity)
	}

	parent.RemainingQuantity -= quantity

	child.ID = s.nextCertID
	s.nextCertID++
	storedChild := *child
	s.certs[child.ID] = &storedChild

	storedBid := *bid
	s.bids[bid.ID] = &storedBid

	rec.ChildCertificateID = child.ID
	s.trades = append(s.trades, *rec)
	return nil
}

func (s *MemoryStore) ListTradeRecords(_ context.Context) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.TradeRecord, len(s.trades))
	copy(trades, s.trades)
	return trades, nil
}

func (s *MemoryStore) TradeRecordsByCertificate(_ context.Context, certID int64) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.TradeRecord
	for _, t := range s.trades {
		if t.CertificateID == certID || t.ChildCertificateID == certID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}
