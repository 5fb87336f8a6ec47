// Package events defines the outcome events the governor exports once an
// item settles or is scheduled for another attempt.
package events

import "time"

// Type names the transition an Event reports.
type Type string

// Event types.
const (
	TypeCompleted      Type = "completed"
	TypeFailed         Type = "failed"
	TypeRetryScheduled Type = "retry_scheduled"
)

// Event is the JSON document published per transition.
type Event struct {
	Type        Type      `json:"type"`
	ItemID      string    `json:"item_id"`
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	ResultCount int       `json:"result_count"`
	Error       string    `json:"error,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
