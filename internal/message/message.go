package message

import "github.com/google/uuid"

// Callback is the Kafka record announcing that an outbox row is ready for
// delivery. The row itself stays the source of truth.
type Callback struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"paymentId"`
	Url       string    `json:"url"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
}
