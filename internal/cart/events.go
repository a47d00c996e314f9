package cart

import (
	"encoding/json"
	"time"
)

const (
	EventReserved   = "CartReserved"
	EventReleased   = "CartReleased"
	EventCheckedOut = "CartCheckedOut"
)

// Release reasons carried in CartReleased payloads.
const (
	ReasonCancelled = "CANCELLED"
	ReasonExpired   = "EXPIRED"
	ReasonCleared   = "CLEARED"
	ReasonReaped    = "REAPED"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type ReservedPayload struct {
	ClientID  int64     `json:"client_id"`
	ProductID int64     `json:"product_id"`
	Qty       int       `json:"qty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ReleasedPayload struct {
	ClientID  int64  `json:"client_id"`
	ProductID int64  `json:"product_id"`
	Qty       int    `json:"qty"`
	Reason    string `json:"reason"`
}

type CheckedOutPayload struct {
	ClientID   int64      `json:"client_id"`
	TotalCents int64      `json:"total_cents"`
	Purchases  []Purchase `json:"purchases"`
}
