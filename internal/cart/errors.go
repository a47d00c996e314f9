package cart

import "errors"

// Caller-fixable validation errors.
var (
	ErrInvalidQuantity = errors.New("invalid quantity (1~5)")
	ErrNoOpUpdate      = errors.New("old and new quantity are equal")
)

// State-conflict errors. Reported verbatim, never retried.
var (
	ErrProductNotFound      = errors.New("product not found")
	ErrClientNotFound       = errors.New("client not found")
	ErrInsufficientStock    = errors.New("insufficient quantity in stock")
	ErrCartFull             = errors.New("cart is full")
	ErrDuplicateReservation = errors.New("product already in cart")
	ErrReservationNotFound  = errors.New("product not in cart")
	ErrEmptyCart            = errors.New("cart is empty")
)

// IsConflict reports whether err is one of the domain errors the caller may
// see verbatim. Anything else is infrastructure and gets normalized at the
// edge.
func IsConflict(err error) bool {
	for _, e := range []error{
		ErrInvalidQuantity, ErrNoOpUpdate,
		ErrProductNotFound, ErrClientNotFound, ErrInsufficientStock,
		ErrCartFull, ErrDuplicateReservation, ErrReservationNotFound,
		ErrEmptyCart,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
