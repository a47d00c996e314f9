package cart

import "strconv"

const (
	TopicReserved   = "cart.reserved"
	TopicReleased   = "cart.released"
	TopicCheckedOut = "cart.checked-out"
)

// Partition key = product_id, so all stock movement for one product keeps
// its order. Checkout events are keyed by client instead.
func PartitionKey(id int64) []byte { return strconv.AppendInt(nil, id, 10) }
