package cart

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the exact same semantics as PgStore.
// It backs the test suite and local development without a database; the big
// mutex stands in for the store transaction.
type MemStore struct {
	mu           sync.Mutex
	products     map[int64]*Product
	reservations map[Key]*Reservation
	debts        map[int64]int64
	sales        []Sale
}

// Sale is one appended sales_history row.
type Sale struct {
	ID         string
	ClientID   int64
	ProductID  int64
	Qty        int
	TotalCents int64
	CreatedAt  time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		products:     make(map[int64]*Product),
		reservations: make(map[Key]*Reservation),
		debts:        make(map[int64]int64),
	}
}

// SeedProduct registers a product with the given stock, all of it sellable.
func (s *MemStore) SeedProduct(id int64, name string, priceCents int64, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.products[id] = &Product{
		ID: id, Name: name, PriceCents: priceCents,
		TotalQty: qty, SellableQty: qty,
		CreatedAt: now, UpdatedAt: now,
	}
}

func (s *MemStore) SeedClient(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.debts[id]; !ok {
		s.debts[id] = 0
	}
}

// SeedReservation plants a reservation directly, bypassing preconditions
// (recovery and sweep scenarios).
func (s *MemStore) SeedReservation(r Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.reservations[r.Key()] = &cp
	if p, ok := s.products[r.ProductID]; ok {
		p.SellableQty -= r.Qty
	}
}

func (s *MemStore) Debt(clientID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debts[clientID]
}

func (s *MemStore) Sales() []Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sale, len(s.sales))
	copy(out, s.sales)
	return out
}

func (s *MemStore) GetProduct(_ context.Context, productID int64) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return *p, nil
}

func (s *MemStore) ListProducts(_ context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListCart(_ context.Context, clientID int64) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartLocked(clientID), nil
}

func (s *MemStore) ListReservations(_ context.Context) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (s *MemStore) ListExpired(_ context.Context, cutoff time.Time) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for k, r := range s.reservations {
		if !r.CreatedAt.After(cutoff) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemStore) Reserve(_ context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.debts[clientID]; !ok {
		return Reservation{}, ErrClientNotFound
	}
	p, ok := s.products[productID]
	if !ok {
		return Reservation{}, ErrProductNotFound
	}
	if p.SellableQty < qty {
		return Reservation{}, ErrInsufficientStock
	}
	if len(s.cartLocked(clientID)) >= maxCartSize {
		return Reservation{}, ErrCartFull
	}
	k := Key{ClientID: clientID, ProductID: productID}
	if _, ok := s.reservations[k]; ok {
		return Reservation{}, ErrDuplicateReservation
	}

	p.SellableQty -= qty
	p.UpdatedAt = now
	r := Reservation{ClientID: clientID, ProductID: productID, Qty: qty, CreatedAt: now, UpdatedAt: now}
	s.reservations[k] = &r
	return r, nil
}

func (s *MemStore) Cancel(ctx context.Context, clientID, productID int64) (int, error) {
	qty, released, err := s.Release(ctx, clientID, productID)
	if err != nil {
		return 0, err
	}
	if !released {
		return 0, ErrReservationNotFound
	}
	return qty, nil
}

func (s *MemStore) Release(_ context.Context, clientID, productID int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key{ClientID: clientID, ProductID: productID}
	r, ok := s.reservations[k]
	if !ok {
		return 0, false, nil
	}
	delete(s.reservations, k)
	if p, ok := s.products[productID]; ok {
		p.SellableQty += r.Qty
	}
	return r.Qty, true, nil
}

func (s *MemStore) Adjust(_ context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key{ClientID: clientID, ProductID: productID}
	r, ok := s.reservations[k]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	diff := r.Qty - qty
	if diff == 0 {
		return Reservation{}, ErrNoOpUpdate
	}
	p := s.products[productID]
	if diff < 0 && p.SellableQty < -diff {
		return Reservation{}, ErrInsufficientStock
	}

	p.SellableQty += diff
	p.UpdatedAt = now
	r.Qty = qty
	r.UpdatedAt = now
	return *r, nil
}

func (s *MemStore) CheckoutAll(_ context.Context, clientID int64, now time.Time) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.debts[clientID]; !ok {
		return Receipt{}, ErrClientNotFound
	}
	list := s.cartLocked(clientID)
	if len(list) == 0 {
		return Receipt{}, ErrEmptyCart
	}

	var total int64
	purchases := make([]Purchase, 0, len(list))
	for _, r := range list {
		p := s.products[r.ProductID]
		pu := Purchase{
			ProductID:  r.ProductID,
			Qty:        r.Qty,
			PriceCents: p.PriceCents,
			TotalCents: int64(r.Qty) * p.PriceCents,
		}
		total += pu.TotalCents
		purchases = append(purchases, pu)

		s.sales = append(s.sales, Sale{
			ID: uuid.NewString(), ClientID: clientID, ProductID: r.ProductID,
			Qty: r.Qty, TotalCents: pu.TotalCents, CreatedAt: now,
		})
		p.TotalQty -= r.Qty
		p.UpdatedAt = now
		delete(s.reservations, r.Key())
	}
	s.debts[clientID] += total
	return Receipt{TotalCents: total, TotalDebtCents: s.debts[clientID], Purchases: purchases}, nil
}

func (s *MemStore) Clear(_ context.Context, clientID int64) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.cartLocked(clientID)
	for _, r := range list {
		if p, ok := s.products[r.ProductID]; ok {
			p.SellableQty += r.Qty
		}
		delete(s.reservations, r.Key())
	}
	return list, nil
}

func (s *MemStore) FindDrift(_ context.Context) ([]Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserved := make(map[int64]int)
	for _, r := range s.reservations {
		reserved[r.ProductID] += r.Qty
	}
	var out []Drift
	for id, p := range s.products {
		if p.SellableQty+reserved[id] != p.TotalQty {
			out = append(out, Drift{
				ProductID: id, TotalQty: p.TotalQty,
				SellableQty: p.SellableQty, ReservedQty: reserved[id],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *MemStore) cartLocked(clientID int64) []Reservation {
	var out []Reservation
	for _, r := range s.reservations {
		if r.ClientID == clientID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
