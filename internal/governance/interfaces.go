package governance

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used as dedupe keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes outcome events to a downstream topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}
