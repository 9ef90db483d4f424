package notify

import "time"

// Mail is what gets handed to the delivery queue.
type Mail struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Template string    `json:"template"`
	QueuedAt time.Time `json:"queued_at"`
}
