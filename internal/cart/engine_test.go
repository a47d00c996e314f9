package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	kafkago "github.com/segmentio/kafka-go"
)

type captureSink struct {
	mu     sync.Mutex
	events []Envelope
}

func (c *captureSink) Publish(_, value []byte, _ ...kafkago.Header) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.events = append(c.events, env)
	c.mu.Unlock()
}

func (c *captureSink) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func testEngine(window time.Duration) (*Engine, *MemStore, *captureSink) {
	store := NewMemStore()
	sink := &captureSink{}
	e := NewEngine(store, Emitters{Reserved: sink, Released: sink, CheckedOut: sink}, window, "cart-test")
	return e, store, sink
}

// sellable + sum(active reservations) must equal total stock for every
// product, observable between any two operations.
func assertBalanced(t *testing.T, store *MemStore) {
	t.Helper()
	drift, err := store.FindDrift(context.Background())
	if err != nil {
		t.Fatalf("drift check: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("ledger out of balance: %+v", drift)
	}
}

func TestReserve(t *testing.T) {
	e, store, sink := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 10)
	store.SeedClient(7)

	res, err := e.Reserve(context.Background(), 7, 1, 3)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Qty != 3 {
		t.Errorf("expected qty 3, got %d", res.Qty)
	}

	p, _ := store.GetProduct(context.Background(), 1)
	if p.SellableQty != 7 {
		t.Errorf("expected sellable 7, got %d", p.SellableQty)
	}
	if e.Scheduler().Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", e.Scheduler().Pending())
	}
	if sink.count(EventReserved) != 1 {
		t.Errorf("expected 1 reserved event, got %d", sink.count(EventReserved))
	}
	assertBalanced(t, store)
}

func TestReservePreconditions(t *testing.T) {
	e, store, _ := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 2)
	store.SeedClient(7)
	ctx := context.Background()

	for _, qty := range []int{0, -1, 6} {
		if _, err := e.Reserve(ctx, 7, 1, qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("qty %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
	if _, err := e.Reserve(ctx, 7, 99, 1); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := e.Reserve(ctx, 7, 1, 3); !errors.Is(err, ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock, got %v", err)
	}

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, 7, 1, 1); !errors.Is(err, ErrDuplicateReservation) {
		t.Errorf("expected ErrDuplicateReservation, got %v", err)
	}

	// none of the failures may have moved stock
	p, _ := store.GetProduct(ctx, 1)
	if p.SellableQty != 0 {
		t.Errorf("failed reserves mutated stock: sellable=%d", p.SellableQty)
	}
	assertBalanced(t, store)
}

func TestReserveCartFull(t *testing.T) {
	e, store, _ := testEngine(time.Hour)
	defer e.Stop()
	store.SeedClient(7)
	ctx := context.Background()

	for i := int64(1); i <= 6; i++ {
		store.SeedProduct(i, "item", 100, 10)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := e.Reserve(ctx, 7, i, 1); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}
	if _, err := e.Reserve(ctx, 7, 6, 1); !errors.Is(err, ErrCartFull) {
		t.Errorf("expected ErrCartFull, got %v", err)
	}
}

func TestCancelRoundTrip(t *testing.T) {
	e, store, sink := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 3); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.Cancel(ctx, 7, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	p, _ := store.GetProduct(ctx, 1)
	if p.SellableQty != 10 {
		t.Errorf("expected sellable restored to 10, got %d", p.SellableQty)
	}
	list, _ := e.ListCart(ctx, 7)
	if len(list) != 0 {
		t.Errorf("expected empty cart, got %d rows", len(list))
	}
	if e.Scheduler().Pending() != 0 {
		t.Errorf("expected timer cancelled, got %d pending", e.Scheduler().Pending())
	}
	if sink.count(EventReleased) != 1 {
		t.Errorf("expected 1 released event, got %d", sink.count(EventReleased))
	}

	if err := e.Cancel(ctx, 7, 1); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("second cancel: expected ErrReservationNotFound, got %v", err)
	}
	assertBalanced(t, store)
}

func TestExpiryMatchesCancel(t *testing.T) {
	e, store, _ := testEngine(20 * time.Millisecond)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// let the window elapse; end state must equal an immediate cancel
	waitFor(t, 2*time.Second, func() bool {
		list, _ := e.ListCart(ctx, 7)
		return len(list) == 0
	})
	p, _ := store.GetProduct(ctx, 1)
	if p.SellableQty != 10 {
		t.Errorf("expected stock restored after expiry, got %d", p.SellableQty)
	}
	assertBalanced(t, store)
}

func TestReleaseIdempotent(t *testing.T) {
	e, store, sink := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.Release(ctx, 7, 1, ReasonExpired); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := e.Release(ctx, 7, 1, ReasonExpired); err != nil {
		t.Fatalf("second Release must be a silent no-op, got %v", err)
	}

	p, _ := store.GetProduct(ctx, 1)
	if p.SellableQty != 10 {
		t.Errorf("double release corrupted stock: %d", p.SellableQty)
	}
	if sink.count(EventReleased) != 1 {
		t.Errorf("expected 1 released event, got %d", sink.count(EventReleased))
	}
	assertBalanced(t, store)
}

func TestAdjust(t *testing.T) {
	e, store, _ := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 5)
	store.SeedClient(7)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	e.now = func() time.Time { return before }
	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	e.now = time.Now

	res, err := e.Adjust(ctx, 7, 1, 4)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if res.Qty != 4 {
		t.Errorf("expected qty 4, got %d", res.Qty)
	}
	// window stays anchored to the original creation time
	if !res.CreatedAt.Equal(before) {
		t.Errorf("Adjust moved created_at: %v != %v", res.CreatedAt, before)
	}
	if !res.UpdatedAt.After(before) {
		t.Errorf("Adjust did not refresh updated_at")
	}

	p, _ := store.GetProduct(ctx, 1)
	if p.SellableQty != 1 {
		t.Errorf("expected sellable 1 after growing to 4, got %d", p.SellableQty)
	}

	if _, err := e.Adjust(ctx, 7, 1, 4); !errors.Is(err, ErrNoOpUpdate) {
		t.Errorf("expected ErrNoOpUpdate, got %v", err)
	}
	if _, err := e.Adjust(ctx, 7, 1, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := e.Adjust(ctx, 7, 99, 2); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}

	// shrinking returns the difference to the shelf
	if _, err := e.Adjust(ctx, 7, 1, 1); err != nil {
		t.Fatalf("Adjust down: %v", err)
	}
	p, _ = store.GetProduct(ctx, 1)
	if p.SellableQty != 4 {
		t.Errorf("expected sellable 4 after shrinking to 1, got %d", p.SellableQty)
	}
	assertBalanced(t, store)
}

func TestAdjustRevalidatesAvailability(t *testing.T) {
	e, store, _ := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 4500, 2)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// nothing sellable left; growing to 4 needs 2 more units
	if _, err := e.Adjust(ctx, 7, 1, 4); !errors.Is(err, ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock, got %v", err)
	}

	list, _ := e.ListCart(ctx, 7)
	if len(list) != 1 || list[0].Qty != 2 {
		t.Errorf("failed adjust mutated reservation: %+v", list)
	}
	assertBalanced(t, store)
}

func TestCheckoutAll(t *testing.T) {
	e, store, sink := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 1000, 10)
	store.SeedProduct(2, "mouse", 500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve p1: %v", err)
	}
	if _, err := e.Reserve(ctx, 7, 2, 1); err != nil {
		t.Fatalf("Reserve p2: %v", err)
	}

	rec, err := e.CheckoutAll(ctx, 7)
	if err != nil {
		t.Fatalf("CheckoutAll: %v", err)
	}
	if rec.TotalCents != 2500 {
		t.Errorf("expected total 2500, got %d", rec.TotalCents)
	}
	if rec.TotalDebtCents != 2500 {
		t.Errorf("expected debt 2500, got %d", rec.TotalDebtCents)
	}
	if len(rec.Purchases) != 2 {
		t.Errorf("expected 2 purchases, got %d", len(rec.Purchases))
	}
	if got := store.Debt(7); got != 2500 {
		t.Errorf("expected stored debt 2500, got %d", got)
	}
	if sales := store.Sales(); len(sales) != 2 {
		t.Errorf("expected 2 sales rows, got %d", len(sales))
	}

	// checked-out stock stays consumed
	p1, _ := store.GetProduct(ctx, 1)
	if p1.SellableQty != 8 || p1.TotalQty != 8 {
		t.Errorf("p1 after checkout: sellable=%d total=%d, want 8/8", p1.SellableQty, p1.TotalQty)
	}
	list, _ := e.ListCart(ctx, 7)
	if len(list) != 0 {
		t.Errorf("expected empty cart after checkout, got %d", len(list))
	}
	if e.Scheduler().Pending() != 0 {
		t.Errorf("expected timers cancelled, got %d pending", e.Scheduler().Pending())
	}
	if sink.count(EventCheckedOut) != 1 {
		t.Errorf("expected 1 checked-out event, got %d", sink.count(EventCheckedOut))
	}
	assertBalanced(t, store)

	if _, err := e.CheckoutAll(ctx, 7); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}

	// a second debt accumulates on top of the first
	if _, err := e.Reserve(ctx, 7, 1, 1); err != nil {
		t.Fatalf("Reserve again: %v", err)
	}
	rec, err = e.CheckoutAll(ctx, 7)
	if err != nil {
		t.Fatalf("second CheckoutAll: %v", err)
	}
	if rec.TotalDebtCents != 3500 {
		t.Errorf("expected running debt 3500, got %d", rec.TotalDebtCents)
	}
}

func TestClear(t *testing.T) {
	e, store, sink := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 1000, 10)
	store.SeedProduct(2, "mouse", 500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, 7, 1, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, 7, 2, 3); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	n, err := e.Clear(ctx, 7)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 released, got %d", n)
	}
	p1, _ := store.GetProduct(ctx, 1)
	p2, _ := store.GetProduct(ctx, 2)
	if p1.SellableQty != 10 || p2.SellableQty != 10 {
		t.Errorf("clear did not restore stock: %d/%d", p1.SellableQty, p2.SellableQty)
	}
	if e.Scheduler().Pending() != 0 {
		t.Errorf("expected timers cancelled, got %d", e.Scheduler().Pending())
	}
	if sink.count(EventReleased) != 2 {
		t.Errorf("expected 2 released events, got %d", sink.count(EventReleased))
	}

	// clearing an empty cart is fine
	n, err = e.Clear(ctx, 7)
	if err != nil || n != 0 {
		t.Errorf("empty clear: n=%d err=%v", n, err)
	}
	assertBalanced(t, store)
}

func TestRecovery(t *testing.T) {
	e, store, _ := testEngine(50 * time.Millisecond)
	defer e.Stop()
	store.SeedProduct(1, "keyboard", 1000, 10)
	store.SeedProduct(2, "mouse", 500, 10)
	store.SeedClient(7)
	ctx := context.Background()

	// one reservation long past its window, one fresh
	store.SeedReservation(Reservation{
		ClientID: 7, ProductID: 1, Qty: 2,
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	})
	store.SeedReservation(Reservation{
		ClientID: 7, ProductID: 2, Qty: 1,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	if err := e.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// the stale one fires immediately and restores stock
	waitFor(t, 2*time.Second, func() bool {
		p, _ := store.GetProduct(ctx, 1)
		return p.SellableQty == 10
	})
	// the fresh one is still pending right after recovery
	list, _ := e.ListCart(ctx, 7)
	for _, r := range list {
		if r.ProductID == 1 {
			t.Errorf("stale reservation survived recovery")
		}
	}
	assertBalanced(t, store)
}

// flakyStore fails Reserve with a serialization error a fixed number of
// times before delegating.
type flakyStore struct {
	*MemStore
	failures int
}

func (f *flakyStore) Reserve(ctx context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error) {
	if f.failures > 0 {
		f.failures--
		return Reservation{}, &pgconn.PgError{Code: "40001", Message: "serialization failure"}
	}
	return f.MemStore.Reserve(ctx, clientID, productID, qty, now)
}

func TestRetryOnTxConflict(t *testing.T) {
	mem := NewMemStore()
	mem.SeedProduct(1, "keyboard", 1000, 10)
	mem.SeedClient(7)
	store := &flakyStore{MemStore: mem, failures: 2}

	e := NewEngine(store, Emitters{}, time.Hour, "cart-test")
	defer e.Stop()

	if _, err := e.Reserve(context.Background(), 7, 1, 1); err != nil {
		t.Fatalf("expected retry to absorb conflicts, got %v", err)
	}

	store.failures = maxTxRetries + 1
	if _, err := e.Reserve(context.Background(), 7, 2, 1); !IsRetryable(err) {
		t.Fatalf("expected surfaced conflict after bounded retries, got %v", err)
	}
}

func TestConcurrentReserveSingleUnit(t *testing.T) {
	e, store, _ := testEngine(time.Hour)
	defer e.Stop()
	store.SeedProduct(1, "limited", 1000, 1)
	ctx := context.Background()

	const clients = 8
	for i := int64(1); i <= clients; i++ {
		store.SeedClient(i)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := int64(1); i <= clients; i++ {
		wg.Add(1)
		go func(cid int64) {
			defer wg.Done()
			if _, err := e.Reserve(ctx, cid, 1, 1); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one winner for the last unit, got %d", got)
	}
	assertBalanced(t, store)
}
