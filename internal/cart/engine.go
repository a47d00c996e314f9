package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/youcefislam/GraphShop/internal/kafka"
)

const (
	minQty      = 1
	maxQty      = 5
	maxCartSize = 5
)

// bounded retry for transient transaction conflicts
const (
	maxTxRetries   = 3
	txRetryBackoff = 50 * time.Millisecond
)

// EventSink is where lifecycle events go. *kafka.Producer satisfies it.
type EventSink interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Emitters groups the per-topic sinks. Nil sinks are skipped, so tests and
// the sweeper can run without a broker.
type Emitters struct {
	Reserved   EventSink
	Released   EventSink
	CheckedOut EventSink
}

// Engine owns the reservation lifecycle: reserve, adjust, cancel,
// expiry-driven release and checkout. All stock accounting happens inside
// single store transactions; the engine itself holds no lock across store
// calls.
type Engine struct {
	store   Store
	events  Emitters
	window  time.Duration
	service string
	sched   *ExpiryScheduler
	now     func() time.Time
}

func NewEngine(store Store, events Emitters, window time.Duration, service string) *Engine {
	e := &Engine{
		store:   store,
		events:  events,
		window:  window,
		service: service,
		now:     time.Now,
	}
	e.sched = NewExpiryScheduler(e.expired)
	return e
}

// Scheduler exposes the engine's timer set (shutdown, tests).
func (e *Engine) Scheduler() *ExpiryScheduler { return e.sched }

func (e *Engine) Window() time.Duration { return e.window }

// Recover rebuilds the timer set from persisted reservations. Run once at
// startup, before serving requests. Reservations whose window elapsed while
// the process was down fire immediately.
func (e *Engine) Recover(ctx context.Context) error {
	list, err := e.store.ListReservations(ctx)
	if err != nil {
		return fmt.Errorf("recover reservations: %w", err)
	}
	now := e.now()
	for _, r := range list {
		remaining := r.CreatedAt.Add(e.window).Sub(now)
		e.sched.Schedule(r.ClientID, r.ProductID, remaining)
	}
	if len(list) > 0 {
		log.Info().Int("reservations", len(list)).Msg("expiry timers rebuilt")
	}
	return nil
}

// Stop drops all pending timers. Reservations stay persisted; the next
// start recovers them.
func (e *Engine) Stop() { e.sched.Stop() }

// Reserve withholds qty units of the product for the client until the
// reservation window elapses.
func (e *Engine) Reserve(ctx context.Context, clientID, productID int64, qty int) (Reservation, error) {
	if qty < minQty || qty > maxQty {
		return Reservation{}, ErrInvalidQuantity
	}

	var res Reservation
	err := e.withRetry(ctx, "reserve", func(ctx context.Context) error {
		var err error
		res, err = e.store.Reserve(ctx, clientID, productID, qty, e.now())
		return err
	})
	if err != nil {
		return Reservation{}, err
	}

	e.sched.Schedule(clientID, productID, e.window)
	e.emitReserved(res)
	return res, nil
}

// Cancel gives the reserved units back to sellable stock.
func (e *Engine) Cancel(ctx context.Context, clientID, productID int64) error {
	var qty int
	err := e.withRetry(ctx, "cancel", func(ctx context.Context) error {
		var err error
		qty, err = e.store.Cancel(ctx, clientID, productID)
		return err
	})
	if err != nil {
		return err
	}

	e.sched.Cancel(clientID, productID)
	e.emitReleased(clientID, productID, qty, ReasonCancelled)
	return nil
}

// Adjust overwrites the reserved quantity. The expiry window stays anchored
// to the original creation time.
func (e *Engine) Adjust(ctx context.Context, clientID, productID int64, qty int) (Reservation, error) {
	if qty < minQty || qty > maxQty {
		return Reservation{}, ErrInvalidQuantity
	}

	var res Reservation
	err := e.withRetry(ctx, "adjust", func(ctx context.Context) error {
		var err error
		res, err = e.store.Adjust(ctx, clientID, productID, qty, e.now())
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Release is the expiry path. An absent reservation (already cancelled or
// checked out) is a silent no-op: the timer races structurally against the
// user and losing that race is fine.
func (e *Engine) Release(ctx context.Context, clientID, productID int64, reason string) error {
	var qty int
	var released bool
	err := e.withRetry(ctx, "release", func(ctx context.Context) error {
		var err error
		qty, released, err = e.store.Release(ctx, clientID, productID)
		return err
	})
	if err != nil {
		return err
	}

	e.sched.Cancel(clientID, productID)
	if released {
		e.emitReleased(clientID, productID, qty, reason)
	}
	return nil
}

// CheckoutAll converts the client's whole cart into sales and debt. The
// reserved units stay off the shelf for good.
func (e *Engine) CheckoutAll(ctx context.Context, clientID int64) (Receipt, error) {
	var rec Receipt
	err := e.withRetry(ctx, "checkout", func(ctx context.Context) error {
		var err error
		rec, err = e.store.CheckoutAll(ctx, clientID, e.now())
		return err
	})
	if err != nil {
		return Receipt{}, err
	}

	for _, pu := range rec.Purchases {
		e.sched.Cancel(clientID, pu.ProductID)
	}
	e.emitCheckedOut(clientID, rec)
	return rec, nil
}

// Clear cancels every reservation of the client. An empty cart is not an
// error.
func (e *Engine) Clear(ctx context.Context, clientID int64) (int, error) {
	var released []Reservation
	err := e.withRetry(ctx, "clear", func(ctx context.Context) error {
		var err error
		released, err = e.store.Clear(ctx, clientID)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, r := range released {
		e.sched.Cancel(r.ClientID, r.ProductID)
		e.emitReleased(r.ClientID, r.ProductID, r.Qty, ReasonCleared)
	}
	return len(released), nil
}

// ListCart returns the client's active reservations.
func (e *Engine) ListCart(ctx context.Context, clientID int64) ([]Reservation, error) {
	return e.store.ListCart(ctx, clientID)
}

// expired runs on the scheduler goroutine when a window elapses. It must
// never panic past the scheduler boundary; failures are logged and the
// reservation is left for the sweep to reap.
func (e *Engine) expired(clientID, productID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Release(ctx, clientID, productID, ReasonExpired); err != nil {
		log.Error().Err(err).
			Int64("client_id", clientID).
			Int64("product_id", productID).
			Msg("expiry release failed")
	}
}

func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= maxTxRetries {
			return err
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("tx conflict, retrying")
		select {
		case <-time.After(txRetryBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) emitReserved(r Reservation) {
	if e.events.Reserved == nil {
		return
	}
	e.publish(e.events.Reserved, EventReserved, PartitionKey(r.ProductID),
		fmt.Sprintf("%d:%d", r.ClientID, r.ProductID),
		ReservedPayload{
			ClientID:  r.ClientID,
			ProductID: r.ProductID,
			Qty:       r.Qty,
			ExpiresAt: r.CreatedAt.Add(e.window),
		})
}

func (e *Engine) emitReleased(clientID, productID int64, qty int, reason string) {
	if e.events.Released == nil {
		return
	}
	e.publish(e.events.Released, EventReleased, PartitionKey(productID),
		fmt.Sprintf("%d:%d", clientID, productID),
		ReleasedPayload{ClientID: clientID, ProductID: productID, Qty: qty, Reason: reason})
}

func (e *Engine) emitCheckedOut(clientID int64, rec Receipt) {
	if e.events.CheckedOut == nil {
		return
	}
	e.publish(e.events.CheckedOut, EventCheckedOut, PartitionKey(clientID),
		fmt.Sprintf("%d", clientID),
		CheckedOutPayload{ClientID: clientID, TotalCents: rec.TotalCents, Purchases: rec.Purchases})
}

func (e *Engine) publish(sink EventSink, eventType string, key []byte, correlation string, payload any) {
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now().UTC(),
		Producer:      e.service,
		CorrelationID: correlation,
		Payload:       kafkax.MustMarshal(payload),
	}
	sink.Publish(key, kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
