// Package ledger provides the HTTP layer over the certificate ledger:
// role admission, certificate registration and listing, the bid
// lifecycle, and registry-approved trade settlement.
//
// Calls are serialized: a single mutex guards every mutating handler, so
// each state transition runs to completion before the next begins.
// Read-only lookups take no lock and see committed state only.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/safregistry/ledger-engine/internal/bidbook"
	"github.com/safregistry/ledger-engine/internal/certificate"
	"github.com/safregistry/ledger-engine/internal/fault"
	"github.com/safregistry/ledger-engine/internal/metrics"
	"github.com/safregistry/ledger-engine/internal/model"
	"github.com/safregistry/ledger-engine/internal/roles"
	"github.com/safregistry/ledger-engine/internal/settlement"
)

// Service handles ledger operations over HTTP. The caller identity is
// asserted by the execution environment (the request body), not
// authenticated here.
type Service struct {
	roles  *roles.Registry
	certs  *certificate.Store
	bids   *bidbook.Book
	engine *settlement.Engine
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new ledger service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(rr *roles.Registry, certs *certificate.Store, bids *bidbook.Book, engine *settlement.Engine, hub *WSHub) *Service {
	return &Service{
		roles:  rr,
		certs:  certs,
		bids:   bids,
		engine: engine,
		wsHub:  hub,
	}
}

// Routes mounts every ledger endpoint on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/roles/suppliers", s.AdmitSupplier)
	r.Post("/roles/airlines", s.AdmitAirline)
	r.Post("/roles/registrars", s.AdmitRegistry)

	r.Get("/certificates", s.ListCertificates)
	r.Post("/certificates", s.RegisterCertificate)
	r.Get("/certificates/{certID}", s.GetCertificate)
	r.Post("/certificates/{certID}/list", s.ListForBidding)
	r.Get("/certificates/{certID}/bids", s.GetCertificateBids)
	r.Get("/certificates/{certID}/lineage", s.GetLineage)
	r.Get("/certificates/{certID}/trades", s.GetCertificateTrades)

	r.Post("/bids", s.PlaceBid)
	r.Get("/bids/{bidID}", s.GetBid)
	r.Post("/bids/{bidID}/counter", s.CounterBid)
	r.Post("/bids/{bidID}/accept", s.AcceptBid)
	r.Post("/bids/{bidID}/accept-counter", s.AcceptCounterOffer)
	r.Post("/bids/{bidID}/deny", s.DenyBid)
	r.Post("/bids/{bidID}/expire", s.ExpireBid)

	r.Post("/trades", s.ApproveTrade)
	r.Get("/trades", s.ListTrades)

	r.Get("/holdings/{identity}", s.GetHoldings)
}

// --- Request/Response types ---

// AdmitRequest is the JSON body for role admission.
type AdmitRequest struct {
	Identity model.Identity `json:"identity"`
	Caller   model.Identity `json:"caller"`
}

// RegisterCertificateRequest is the JSON body for POST /certificates.
type RegisterCertificateRequest struct {
	Quantity int64          `json:"quantity"`
	Owner    model.Identity `json:"owner"`
}

// CallerRequest is the JSON body for operations that need only a caller.
type CallerRequest struct {
	Caller model.Identity `json:"caller"`
}

// PlaceBidRequest is the JSON body for POST /bids.
type PlaceBidRequest struct {
	CertificateID int64          `json:"certificate_id"`
	Quantity      int64          `json:"quantity"`
	PricePerUnit  int64          `json:"price_per_unit"`
	Bidder        model.Identity `json:"bidder"`
	ExpiresAt     time.Time      `json:"expires_at"` // optional; zero = never expires
}

// CounterBidRequest is the JSON body for POST /bids/{bidID}/counter.
type CounterBidRequest struct {
	NewPrice int64          `json:"new_price"`
	Caller   model.Identity `json:"caller"`
}

// ApproveTradeRequest is the JSON body for POST /trades.
type ApproveTradeRequest struct {
	BidID  int64          `json:"bid_id"`
	Caller model.Identity `json:"caller"`
}

// Holdings summarizes the certificates held by one identity. BookValue
// marks remaining quantities against each certificate's last trade price.
type Holdings struct {
	Identity       model.Identity      `json:"identity"`
	Certificates   []model.Certificate `json:"certificates"`
	TotalRemaining int64               `json:"total_remaining"`
	BookValue      decimal.Decimal     `json:"book_value"`
}

// --- Role handlers ---

// AdmitSupplier handles POST /api/v1/roles/suppliers
func (s *Service) AdmitSupplier(w http.ResponseWriter, r *http.Request) {
	s.admit(w, r, "supplier", s.roles.AdmitSupplier)
}

// AdmitAirline handles POST /api/v1/roles/airlines
func (s *Service) AdmitAirline(w http.ResponseWriter, r *http.Request) {
	s.admit(w, r, "airline", s.roles.AdmitAirline)
}

// AdmitRegistry handles POST /api/v1/roles/registrars
func (s *Service) AdmitRegistry(w http.ResponseWriter, r *http.Request) {
	s.admit(w, r, "registry", s.roles.AdmitRegistry)
}

func (s *Service) admit(w http.ResponseWriter, r *http.Request, role string,
	fn func(ctx context.Context, identity, caller model.Identity) error) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(r.Context(), req.Identity, req.Caller); err != nil {
		writeFault(w, err)
		return
	}

	slog.Info("role admitted", "role", role, "identity", req.Identity, "caller", req.Caller)
	writeJSON(w, http.StatusOK, map[string]string{"identity": string(req.Identity), "role": role})
}

// --- Certificate handlers ---

// RegisterCertificate handles POST /api/v1/certificates
func (s *Service) RegisterCertificate(w http.ResponseWriter, r *http.Request) {
	var req RegisterCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cert, err := s.certs.Register(r.Context(), req.Quantity, req.Owner)
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.CertificatesRegistered.Inc()
	slog.Info("certificate registered",
		"id", cert.ID,
		"owner", cert.Owner,
		"quantity", cert.OriginalQuantity,
	)
	writeJSON(w, http.StatusCreated, cert)
}

// GetCertificate handles GET /api/v1/certificates/{certID}
func (s *Service) GetCertificate(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r, "certID")
	if !ok {
		return
	}
	cert, err := s.certs.Get(r.Context(), certID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// ListCertificates handles GET /api/v1/certificates
// Optionally filtered by ?owner=<identity>.
func (s *Service) ListCertificates(w http.ResponseWriter, r *http.Request) {
	var (
		certs []model.Certificate
		err   error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		certs, err = s.certs.ByOwner(r.Context(), model.Identity(owner))
	} else {
		certs, err = s.certs.All(r.Context())
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	if certs == nil {
		certs = []model.Certificate{}
	}
	writeJSON(w, http.StatusOK, certs)
}

// ListForBidding handles POST /api/v1/certificates/{certID}/list
func (s *Service) ListForBidding(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r, "certID")
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	alreadyListed := false
	if cur, err := s.certs.Get(r.Context(), certID); err == nil {
		alreadyListed = cur.Listed
	}

	cert, err := s.certs.List(r.Context(), certID, req.Caller)
	if err != nil {
		writeFault(w, err)
		return
	}

	if !alreadyListed {
		metrics.ListedCertificates.Inc()
	}
	slog.Info("certificate listed", "id", cert.ID, "owner", cert.Owner, "remaining", cert.RemainingQuantity)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "certificate_listed",
			CertificateID: cert.ID,
			Remaining:     cert.RemainingQuantity,
		})
	}
	writeJSON(w, http.StatusOK, cert)
}

// GetCertificateBids handles GET /api/v1/certificates/{certID}/bids
func (s *Service) GetCertificateBids(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r, "certID")
	if !ok {
		return
	}
	if _, err := s.certs.Get(r.Context(), certID); err != nil {
		writeFault(w, err)
		return
	}
	bids, err := s.bids.ByCertificate(r.Context(), certID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// GetLineage handles GET /api/v1/certificates/{certID}/lineage
func (s *Service) GetLineage(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r, "certID")
	if !ok {
		return
	}
	lineage, err := s.certs.GetLineage(r.Context(), certID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

// GetCertificateTrades handles GET /api/v1/certificates/{certID}/trades
func (s *Service) GetCertificateTrades(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r, "certID")
	if !ok {
		return
	}
	trades, err := s.engine.TradesByCertificate(r.Context(), certID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Bid handlers ---

// PlaceBid handles POST /api/v1/bids
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bid, err := s.bids.Place(r.Context(), req.CertificateID, req.Quantity, req.PricePerUnit, req.Bidder, req.ExpiresAt)
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.BidsPlaced.Inc()
	slog.Info("bid placed",
		"bid_id", bid.ID,
		"certificate", bid.CertificateID,
		"bidder", bid.Bidder,
		"quantity", bid.Quantity,
		"price_per_unit", bid.PricePerUnit,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "bid_placed",
			BidID:         bid.ID,
			CertificateID: bid.CertificateID,
			Quantity:      bid.Quantity,
			PricePerUnit:  bid.PricePerUnit,
		})
	}
	writeJSON(w, http.StatusCreated, bid)
}

// GetBid handles GET /api/v1/bids/{bidID}
func (s *Service) GetBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := pathID(w, r, "bidID")
	if !ok {
		return
	}
	bid, err := s.bids.Get(r.Context(), bidID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// CounterBid handles POST /api/v1/bids/{bidID}/counter
func (s *Service) CounterBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := pathID(w, r, "bidID")
	if !ok {
		return
	}
	var req CounterBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bid, err := s.bids.Counter(r.Context(), bidID, req.NewPrice, req.Caller)
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.BidTransitions.WithLabelValues(string(bid.Status)).Inc()
	slog.Info("bid countered", "bid_id", bid.ID, "counter_price", bid.CounterPrice, "caller", req.Caller)
	writeJSON(w, http.StatusOK, bid)
}

// AcceptBid handles POST /api/v1/bids/{bidID}/accept
func (s *Service) AcceptBid(w http.ResponseWriter, r *http.Request) {
	s.transitionBid(w, r, "bid accepted", s.bids.Accept)
}

// AcceptCounterOffer handles POST /api/v1/bids/{bidID}/accept-counter
func (s *Service) AcceptCounterOffer(w http.ResponseWriter, r *http.Request) {
	s.transitionBid(w, r, "counter-offer accepted", s.bids.AcceptCounter)
}

// DenyBid handles POST /api/v1/bids/{bidID}/deny
func (s *Service) DenyBid(w http.ResponseWriter, r *http.Request) {
	s.transitionBid(w, r, "bid denied", s.bids.Deny)
}

func (s *Service) transitionBid(w http.ResponseWriter, r *http.Request, event string,
	fn func(ctx context.Context, bidID int64, caller model.Identity) (*model.Bid, error)) {
	bidID, ok := pathID(w, r, "bidID")
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bid, err := fn(r.Context(), bidID, req.Caller)
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.BidTransitions.WithLabelValues(string(bid.Status)).Inc()
	slog.Info(event, "bid_id", bid.ID, "status", bid.Status, "caller", req.Caller)
	writeJSON(w, http.StatusOK, bid)
}

// ExpireBid handles POST /api/v1/bids/{bidID}/expire
// Any caller may expire a bid whose advisory expiry has passed.
func (s *Service) ExpireBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := pathID(w, r, "bidID")
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bid, err := s.bids.Expire(r.Context(), bidID, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.BidTransitions.WithLabelValues(string(bid.Status)).Inc()
	slog.Info("bid expired", "bid_id", bid.ID)
	writeJSON(w, http.StatusOK, bid)
}

// --- Settlement handlers ---

// ApproveTrade handles POST /api/v1/trades
// Executes the split settlement for an accepted bid.
func (s *Service) ApproveTrade(w http.ResponseWriter, r *http.Request) {
	var req ApproveTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.engine.ApproveTrade(r.Context(), req.BidID, req.Caller)
	if err != nil {
		if kind := fault.KindOf(err); kind != "" {
			metrics.SettlementRejections.WithLabelValues(string(kind)).Inc()
		}
		writeFault(w, err)
		return
	}

	metrics.SettlementsTotal.Inc()
	slog.Info("trade settled",
		"trade_id", result.Record.ID,
		"bid_id", req.BidID,
		"parent", result.Record.CertificateID,
		"child", result.ChildCertificateID,
		"quantity", result.Record.Quantity,
		"price_per_unit", result.Record.PricePerUnit,
		"parent_remaining", result.ParentRemaining,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:               "trade_settled",
			BidID:              req.BidID,
			CertificateID:      result.Record.CertificateID,
			ChildCertificateID: result.ChildCertificateID,
			Quantity:           result.Record.Quantity,
			PricePerUnit:       result.Record.PricePerUnit,
			Remaining:          result.ParentRemaining,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// ListTrades handles GET /api/v1/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.Trades(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Holdings ---

// GetHoldings handles GET /api/v1/holdings/{identity}
// Returns the identity's certificates with a mark against last trade prices.
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	identity := model.Identity(chi.URLParam(r, "identity"))
	ctx := r.Context()

	certs, err := s.certs.ByOwner(ctx, identity)
	if err != nil {
		writeFault(w, err)
		return
	}
	if certs == nil {
		certs = []model.Certificate{}
	}

	// Last observed unit price per certificate, from the trade history.
	trades, err := s.engine.Trades(ctx)
	if err != nil {
		writeFault(w, err)
		return
	}
	lastPrice := make(map[int64]int64)
	for _, t := range trades {
		lastPrice[t.CertificateID] = t.PricePerUnit
		lastPrice[t.ChildCertificateID] = t.PricePerUnit
	}

	var totalRemaining int64
	bookValue := decimal.Zero
	for _, c := range certs {
		totalRemaining += c.RemainingQuantity
		if price, ok := lastPrice[c.ID]; ok {
			bookValue = bookValue.Add(
				decimal.NewFromInt(c.RemainingQuantity).Mul(decimal.NewFromInt(price)))
		}
	}

	writeJSON(w, http.StatusOK, Holdings{
		Identity:       identity,
		Certificates:   certs,
		TotalRemaining: totalRemaining,
		BookValue:      bookValue,
	})
}

// --- Helpers ---

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeFault maps a ledger fault to an HTTP status and writes the
// structured failure (kind + message).
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.InvalidArgument, fault.Overflow:
		status = http.StatusBadRequest
	case fault.Unauthorized:
		status = http.StatusForbidden
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.InvalidState, fault.InsufficientQuantity, fault.RoleConflict:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
