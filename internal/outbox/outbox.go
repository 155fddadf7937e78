package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-ledger/internal/events"
)

// Message is one row of the outbox table. It is written inside the same
// transaction as the state change it describes and relayed afterwards.
type Message struct {
	ID          int64
	Topic       string
	Key         string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// FromEnvelope encodes env for the topic that carries its event type.
func FromEnvelope(key string, env events.Envelope) (Message, error) {
	topic, ok := events.TopicFor(env.EventType)
	if !ok {
		return Message{}, fmt.Errorf("outbox: no topic for event %q", env.EventType)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: encode envelope: %w", err)
	}
	return Message{
		Topic:     topic,
		Key:       key,
		EventType: env.EventType,
		Payload:   b,
		CreatedAt: env.OccurredAt,
	}, nil
}
