package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/model"
)

// timeZero is the in-memory representation of "no expiry"; NULL in the
// database, round-tripped via the epoch sentinel in bidColumns.
var timeZero time.Time

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities and unit prices are BIGINT; trade totals are NUMERIC for
// exact decimal precision. Certificate and bid ids come from sequences,
// so they are monotonic and never reused.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS roles (
			identity TEXT PRIMARY KEY,
			role     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS registry_authorities (
			identity TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS certificates (
			id                 BIGSERIAL PRIMARY KEY,
			owner              TEXT NOT NULL,
			original_quantity  BIGINT NOT NULL CHECK (original_quantity > 0),
			remaining_quantity BIGINT NOT NULL CHECK (remaining_quantity >= 0),
			parent_id          BIGINT REFERENCES certificates(id),
			listed             BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS bids (
			id                   BIGSERIAL PRIMARY KEY,
			certificate_id       BIGINT NOT NULL REFERENCES certificates(id),
			bidder               TEXT NOT NULL,
			quantity             BIGINT NOT NULL CHECK (quantity > 0),
			price_per_unit       BIGINT NOT NULL CHECK (price_per_unit > 0),
			status               TEXT NOT NULL,
			counter_price        BIGINT NOT NULL DEFAULT 0,
			approved_by_registry BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at           TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS trade_records (
			id                   TEXT PRIMARY KEY,
			bid_id               BIGINT NOT NULL REFERENCES bids(id),
			certificate_id       BIGINT NOT NULL REFERENCES certificates(id),
			child_certificate_id BIGINT NOT NULL REFERENCES certificates(id),
			seller               TEXT NOT NULL,
			buyer                TEXT NOT NULL,
			quantity             BIGINT NOT NULL,
			price_per_unit       BIGINT NOT NULL,
			total                NUMERIC NOT NULL,
			timestamp            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bids_certificate ON bids(certificate_id);
		CREATE INDEX IF NOT EXISTS idx_certificates_owner ON certificates(owner);
	`)
	return err
}

const certColumns = `id, owner, original_quantity, remaining_quantity, COALESCE(parent_id, 0), listed, created_at`

const bidColumns = `id, certificate_id, bidder, quantity, price_per_unit, status, counter_price, approved_by_registry, COALESCE(expires_at, 'epoch'::TIMESTAMPTZ), created_at`

const tradeColumns = `id, bid_id, certificate_id, child_certificate_id, seller, buyer, quantity, price_per_unit, total::TEXT, timestamp`

// --- Roles ---

func (s *PostgresStore) SaveRole(ctx context.Context, identity model.Identity, role model.Role) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roles (identity, role) VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET role = EXCLUDED.role`,
		string(identity), string(role),
	)
	return err
}

func (s *PostgresStore) RoleOf(ctx context.Context, identity model.Identity) (model.Role, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM roles WHERE identity = $1`, string(identity)).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RoleNone, nil
	}
	if err != nil {
		return model.RoleNone, fmt.Errorf("role of %s: %w", identity, err)
	}
	return model.Role(role), nil
}

func (s *PostgresStore) AddRegistry(ctx context.Context, identity model.Identity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_authorities (identity) VALUES ($1)
		 ON CONFLICT (identity) DO NOTHING`,
		string(identity),
	)
	return err
}

func (s *PostgresStore) IsRegistry(ctx context.Context, identity model.Identity) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registry_authorities WHERE identity = $1)`,
		string(identity)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is registry %s: %w", identity, err)
	}
	return exists, nil
}

// --- Certificates ---

func (s *PostgresStore) CreateCertificate(ctx context.Context, c *model.Certificate) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO certificates (owner, original_quantity, remaining_quantity, parent_id, listed, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6)
		 RETURNING id`,
		string(c.Owner), c.OriginalQuantity, c.RemainingQuantity,
		c.ParentID, c.Listed, c.CreatedAt,
	).Scan(&c.ID)
}

func (s *PostgresStore) GetCertificate(ctx context.Context, id int64) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id)

	c, err := scanCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "certificate %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCertificates(rows)
}

func (s *PostgresStore) CertificatesByOwner(ctx context.Context, owner model.Identity) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE owner = $1 ORDER BY id`,
		string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCertificates(rows)
}

func (s *PostgresStore) SetCertificateListed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE certificates SET listed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "certificate %d not found", id)
	}
	return nil
}

// --- Bids ---

func (s *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	var expires any
	if !b.ExpiresAt.IsZero() {
		expires = b.ExpiresAt
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO bids (certificate_id, bidder, quantity, price_per_unit, status, counter_price, approved_by_registry, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		b.CertificateID, string(b.Bidder), b.Quantity, b.PricePerUnit,
		string(b.Status), b.CounterPrice, b.ApprovedByRegistry,
		expires, b.CreatedAt,
	).Scan(&b.ID)
}

func (s *PostgresStore) GetBid(ctx context.Context, id int64) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)

	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "bid %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %d: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) BidsByCertificate(ctx context.Context, certID int64) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE certificate_id = $1 ORDER BY id`,
		certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) UpdateBid(ctx context.Context, b *model.Bid) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids
		 SET status = $2, counter_price = $3, approved_by_registry = $4
		 WHERE id = $1`,
		b.ID, string(b.Status), b.CounterPrice, b.ApprovedByRegistry,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "bid %d not found", b.ID)
	}
	return nil
}

// --- Settlement ---

// ApplySettlement runs the whole split in one transaction. The guarded
// UPDATE on the parent's remaining quantity is the conflict-resolution
// point: if another settlement already consumed capacity, zero rows
// match, the transaction rolls back, and nothing is observable.
func (s *PostgresStore) ApplySettlement(ctx context.Context, parentID, quantity int64, child *model.Certificate, bid *model.Bid, rec *model.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE certificates
		 SET remaining_quantity = remaining_quantity - $2
		 WHERE id = $1 AND remaining_quantity >= $2`,
		parentID, quantity,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the parent is gone or its capacity is consumed.
		if _, getErr := s.GetCertificate(ctx, parentID); getErr != nil {
			return getErr
		}
		return fault.New(fault.InsufficientQuantity,
			"certificate %d lacks remaining quantity for settlement of %d",
			parentID, quantity)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO certificates (owner, original_quantity, remaining_quantity, parent_id, listed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		string(child.Owner), child.OriginalQuantity, child.RemainingQuantity,
		parentID, child.Listed, child.CreatedAt,
	).Scan(&child.ID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE bids
		 SET status = $2, counter_price = $3, approved_by_registry = $4
		 WHERE id = $1`,
		bid.ID, string(bid.Status), bid.CounterPrice, bid.ApprovedByRegistry,
	)
	if err != nil {
		return err
	}

	rec.ChildCertificateID = child.ID
	_, err = tx.Exec(ctx,
		`INSERT INTO trade_records (id, bid_id, certificate_id, child_certificate_id, seller, buyer, quantity, price_per_unit, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)`,
		rec.ID, rec.BidID, rec.CertificateID, rec.ChildCertificateID,
		string(rec.Seller), string(rec.Buyer), rec.Quantity, rec.PricePerUnit,
		rec.Total.String(), rec.Timestamp,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTradeRecords(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func (s *PostgresStore) TradeRecordsByCertificate(ctx context.Context, certID int64) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records
		 WHERE certificate_id = $1 OR child_certificate_id = $1
		 ORDER BY timestamp`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// --- Row scanning ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanCertificate(row pgxRow) (*model.Certificate, error) {
	var c model.Certificate
	var owner string
	if err := row.Scan(&c.ID, &owner, &c.OriginalQuantity, &c.RemainingQuantity,
		&c.ParentID, &c.Listed, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Owner = model.Identity(owner)
	return &c, nil
}

func scanCertificates(rows pgx.Rows) ([]model.Certificate, error) {
	var certs []model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, *c)
	}
	return certs, rows.Err()
}

func scanBid(row pgxRow) (*model.Bid, error) {
	var b model.Bid
	var bidder, status string
	if err := row.Scan(&b.ID, &b.CertificateID, &bidder, &b.Quantity,
		&b.PricePerUnit, &status, &b.CounterPrice, &b.ApprovedByRegistry,
		&b.ExpiresAt, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Bidder = model.Identity(bidder)
	b.Status = model.BidStatus(status)
	if b.ExpiresAt.Unix() == 0 {
		b.ExpiresAt = timeZero
	}
	return &b, nil
}

func scanTradeRecords(rows pgx.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var seller, buyer, totalS string
		if err := rows.Scan(&t.ID, &t.BidID, &t.CertificateID, &t.ChildCertificateID,
			&seller, &buyer, &t.Quantity, &t.PricePerUnit, &totalS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Seller = model.Identity(seller)
		t.Buyer = model.Identity(buyer)
		t.Total, _ = decimal.NewFromString(totalS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
