package redisx

import "time"

const (
	// Cache of a single product row: product:{product_id} -> JSON
	KeyProduct = "product:%d"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLProductCache = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
