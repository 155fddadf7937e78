package redisx

import "time"

const (
	// Idempotent create: idem:order:create:{key} -> order id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cached order summary: order_summary:{order_id} -> hash {v: updated_at micros, s: summary JSON}
	KeyOrderSummary = "order_summary:%d"

	// Event dedup: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency  = 24 * time.Hour
	TTLSummaryCache = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
