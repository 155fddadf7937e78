package events

const (
	TopicOrderCreated   = "order.created"
	TopicOrderConfirmed = "order.confirmed"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderShipped   = "order.shipped"
	TopicOrderDelivered = "order.delivered"
	TopicLowStock       = "inventory.low_stock"
)

var topicByEvent = map[string]string{
	EventOrderCreated:   TopicOrderCreated,
	EventOrderConfirmed: TopicOrderConfirmed,
	EventOrderCancelled: TopicOrderCancelled,
	EventOrderShipped:   TopicOrderShipped,
	EventOrderDelivered: TopicOrderDelivered,
	EventLowStock:       TopicLowStock,
}

// Topics lists every topic the notifier subscribes to.
func Topics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderConfirmed,
		TopicOrderCancelled,
		TopicOrderShipped,
		TopicOrderDelivered,
		TopicLowStock,
	}
}

func TopicFor(eventType string) (string, bool) {
	t, ok := topicByEvent[eventType]
	return t, ok
}

// Partition key = order number (or sku), so every event of one aggregate keeps its order.
func PartitionKey(id string) []byte { return []byte(id) }
