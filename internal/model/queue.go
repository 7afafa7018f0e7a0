package model

import "time"

// SendStatus is the lifecycle state of a queued outbound message.
type SendStatus string

const (
	SendPending  SendStatus = "pending"
	SendSending  SendStatus = "sending"
	SendSent     SendStatus = "sent"
	SendRetrying SendStatus = "retrying"
	SendFailed   SendStatus = "failed"
)

// QueuedSend is one durable entry in the outbound queue. It is created
// on enqueue and mutated only by the send queue's own loop; delivered
// entries stay behind with status sent, cancellation removes them.
type QueuedSend struct {
	ID        string
	AccountID string

	From       string
	Recipients []string
	MessageID  string
	Raw        []byte

	Status     SendStatus
	RetryCount int
	LastError  string

	// NotBefore delays the next delivery attempt for backoff.
	NotBefore time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
