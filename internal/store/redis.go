package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safregistry/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveRole(ctx context.Context, identity model.Identity, role model.Role) error {
	if err := s.primary.SaveRole(ctx, identity, role); err != nil {
		return err
	}
	s.rdb.Del(ctx, roleKey(identity))
	return nil
}

func (s *CachedStore) AddRegistry(ctx context.Context, identity model.Identity) error {
	return s.primary.AddRegistry(ctx, identity)
}

func (s *CachedStore) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if err := s.primary.CreateCertificate(ctx, cert); err != nil {
		return err
	}
	s.cacheCertificate(ctx, cert)
	return nil
}

func (s *CachedStore) SetCertificateListed(ctx context.Context, id int64) error {
	if err := s.primary.SetCertificateListed(ctx, id); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, certKey(id))
	return nil
}

func (s *CachedStore) CreateBid(ctx context.Context, bid *model.Bid) error {
	if err := s.primary.CreateBid(ctx, bid); err != nil {
		return err
	}
	s.cacheBid(ctx, bid)
	return nil
}

func (s *CachedStore) UpdateBid(ctx context.Context, bid *model.Bid) error {
	if err := s.primary.UpdateBid(ctx, bid); err != nil {
		return err
	}
	s.rdb.Del(ctx, bidKey(bid.ID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, parentID, quantity int64, child *model.Certificate, bid *model.Bid, rec *model.TradeRecord) error {
	if err := s.primary.ApplySettlement(ctx, parentID, quantity, child, bid, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, certKey(parentID), bidKey(bid.ID))
	s.cacheCertificate(ctx, child)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) RoleOf(ctx context.Context, identity model.Identity) (model.Role, error) {
	role, err := s.rdb.Get(ctx, roleKey(identity)).Result()
	if err == nil {
		return model.Role(role), nil
	}

	r, err := s.primary.RoleOf(ctx, identity)
	if err != nil {
		return model.RoleNone, err
	}
	s.rdb.Set(ctx, roleKey(identity), string(r), s.ttl)
	return r, nil
}

func (s *CachedStore) GetCertificate(ctx context.Context, id int64) (*model.Certificate, error) {
	data, err := s.rdb.Get(ctx, certKey(id)).Bytes()
	if err == nil {
		var c model.Certificate
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCertificate(ctx, c)
	return c, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id int64) (*model.Bid, error) {
	data, err := s.rdb.Get(ctx, bidKey(id)).Bytes()
	if err == nil {
		var b model.Bid
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheBid(ctx, b)
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) IsRegistry(ctx context.Context, identity model.Identity) (bool, error) {
	return s.primary.IsRegistry(ctx, identity)
}

func (s *CachedStore) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	return s.primary.ListCertificates(ctx)
}

func (s *CachedStore) CertificatesByOwner(ctx context.Context, owner model.Identity) ([]model.Certificate, error) {
	return s.primary.CertificatesByOwner(ctx, owner)
}

func (s *CachedStore) BidsByCertificate(ctx context.Context, certID int64) ([]model.Bid, error) {
	return s.primary.BidsByCertificate(ctx, certID)
}

func (s *CachedStore) ListTradeRecords(ctx context.Context) ([]model.TradeRecord, error) {
	return s.primary.ListTradeRecords(ctx)
}

func (s *CachedStore) TradeRecordsByCertificate(ctx context.Context, certID int64) ([]model.TradeRecord, error) {
	return s.primary.TradeRecordsByCertificate(ctx, certID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCertificate(ctx context.Context, c *model.Certificate) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, certKey(c.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheBid(ctx context.Context, b *model.Bid) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, bidKey(b.ID), data, s.ttl)
	}
}

func certKey(id int64) string          { return fmt.Sprintf("cert:%d", id) }
func bidKey(id int64) string           { return fmt.Sprintf("bid:%d", id) }
func roleKey(id model.Identity) string { return fmt.Sprintf("role:%s", id) }
