package cart

import (
	"context"
	"time"
)

// Store is the durable backend: stock ledger + reservation store + sales
// history. Every mutating method is one atomic unit — it either fully
// commits or leaves no trace. Precondition failures come back as the
// sentinel errors in errors.go.
type Store interface {
	GetProduct(ctx context.Context, productID int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)

	// ListCart returns the client's active reservations.
	ListCart(ctx context.Context, clientID int64) ([]Reservation, error)
	// ListReservations returns every active reservation (startup recovery).
	ListReservations(ctx context.Context) ([]Reservation, error)
	// ListExpired returns reservations created at or before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]Key, error)

	// Reserve decrements sellable stock and creates the reservation.
	Reserve(ctx context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error)

	// Cancel restores sellable stock and deletes the reservation, returning
	// the quantity that was held. ErrReservationNotFound when absent.
	Cancel(ctx context.Context, clientID, productID int64) (int, error)

	// Release is Cancel that treats an absent reservation as a no-op;
	// released reports whether a row was actually removed.
	Release(ctx context.Context, clientID, productID int64) (qty int, released bool, err error)

	// Adjust changes the reserved quantity, moving the difference to or from
	// sellable stock. The reservation window is not touched.
	Adjust(ctx context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error)

	// CheckoutAll converts every reservation of the client into sales and
	// debt. Sellable stock stays down: the units are consumed for good.
	CheckoutAll(ctx context.Context, clientID int64, now time.Time) (Receipt, error)

	// Clear cancels all reservations of the client. Empty cart is fine.
	Clear(ctx context.Context, clientID int64) ([]Reservation, error)

	// FindDrift reports products where sellable + reserved != total.
	FindDrift(ctx context.Context) ([]Drift, error)
}
