package redisx

import "time"

const (
	// Purchase lock: idem:purchase:{idempotency_key} -> owner token
	KeyPurchaseLock = "idem:purchase:%s"

	// Cache order: order_status:{order_id} -> order JSON
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	// TTLPurchaseLock outlives a full saga including gateway retries; a
	// crashed holder frees the key when it expires.
	TTLPurchaseLock = 2 * time.Minute
	TTLStatusCache  = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
