package cart

import "time"

type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	PriceCents  int64     `json:"price_cents"`
	TotalQty    int       `json:"total_qty"`
	SellableQty int       `json:"sellable_qty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reservation withholds qty units of a product from sellable stock for one
// client. At most one row per (client, product).
type Reservation struct {
	ClientID  int64     `json:"client_id"`
	ProductID int64     `json:"product_id"`
	Qty       int       `json:"qty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies a reservation.
type Key struct {
	ClientID  int64
	ProductID int64
}

func (r Reservation) Key() Key { return Key{ClientID: r.ClientID, ProductID: r.ProductID} }

// Purchase is one line of a checkout receipt.
type Purchase struct {
	ProductID  int64 `json:"product_id"`
	Qty        int   `json:"qty"`
	PriceCents int64 `json:"price_cents"`
	TotalCents int64 `json:"total_cents"`
}

type Receipt struct {
	TotalCents     int64      `json:"total_cents"`
	TotalDebtCents int64      `json:"total_debt_cents"`
	Purchases      []Purchase `json:"purchases"`
}

// Drift is a product whose ledger no longer balances:
// sellable + reserved should equal total.
type Drift struct {
	ProductID   int64
	TotalQty    int
	SellableQty int
	ReservedQty int
}
