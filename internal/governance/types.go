package governance

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the result class of an admission check.
type Decision string

// Admission decisions, in the order the rate limiter evaluates them.
const (
	DecisionAllowed         Decision = "allowed"
	DecisionCircuitOpen     Decision = "circuit_open"
	DecisionBackoffRequired Decision = "backoff_required"
	DecisionRateLimited     Decision = "rate_limited"
)

// Admission carries a Decision plus the advisory delay before the caller
// should try the same target again. Delay is zero when Decision is allowed.
type Admission struct {
	Decision Decision      `json:"decision"`
	Delay    time.Duration `json:"delay"`
	Reason   string        `json:"reason,omitempty"`
	// Probe identifies the half-open circuit probe this admission took, or
	// zero. A request that will never report an outcome hands it back.
	Probe uint64 `json:"probe,omitempty"`
}

// Allowed reports whether the request may proceed now.
func (a Admission) Allowed() bool {
	return a.Decision == DecisionAllowed
}

// CircuitState is the state of a per-target circuit breaker.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Priority orders queued items; lower values are more urgent.
type Priority int

// Priority tiers.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

// String returns the lowercase tier name.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority maps a tier name to its Priority. An empty name is normal.
func ParsePriority(name string) (Priority, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return PriorityNormal, nil
	}
	for p, n := range priorityNames {
		if n == key {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, name)
}

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

// Item lifecycle states.
const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
	StatusRetrying   ItemStatus = "retrying"
)

// Active reports whether the status still participates in dispatch and
// duplicate suppression.
func (s ItemStatus) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetrying:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Payload is the opaque work description submitted by a producer.
type Payload struct {
	Query          string            `json:"query"`
	Target         string            `json:"target"`
	Category       string            `json:"category,omitempty"`
	RateLimitGroup string            `json:"rate_limit_group,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Submission is the producer-facing request to enqueue work.
type Submission struct {
	Payload     Payload
	Priority    Priority
	MaxAttempts int
	ScheduledAt time.Time
}

// QueuedItem is one unit of work tracked by the request queue.
type QueuedItem struct {
	ID          string        `json:"id"`
	Payload     Payload       `json:"payload"`
	Priority    Priority      `json:"priority"`
	Seq         uint64        `json:"seq"`
	CreatedAt   time.Time     `json:"created_at"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Status      ItemStatus    `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	DelayUntil  time.Time     `json:"delay_until,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	ResultCount int           `json:"result_count,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	DedupeKey   string        `json:"dedupe_key,omitempty"`
	Orphaned    int           `json:"orphaned,omitempty"`
	// Admission is the decision that let this copy be dispatched. It is set
	// only on the copy a dequeue returns and is never persisted.
	Admission Admission `json:"-"`
}

// Ready reports whether the item may be dispatched at now.
func (it QueuedItem) Ready(now time.Time) bool {
	if it.Status != StatusPending && it.Status != StatusRetrying {
		return false
	}
	if it.DelayUntil.After(now) {
		return false
	}
	return !it.ScheduledAt.After(now)
}

// ErrorKind classifies why an external fetch failed.
type ErrorKind string

// Failure kinds reported by workers.
const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindServer      ErrorKind = "server"
	ErrorKindClient      ErrorKind = "client"
	ErrorKindBlocked     ErrorKind = "blocked"
	ErrorKindCaptcha     ErrorKind = "captcha"
	ErrorKindApplication ErrorKind = "application"
)

// KindForStatus maps an HTTP status to the failure kind a worker reports
// when it has nothing more specific. Status 0 means the request never got a
// response.
func KindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == 0:
		return ErrorKindTransport
	case statusCode == 429:
		return ErrorKindRateLimited
	case statusCode == 403:
		return ErrorKindBlocked
	case statusCode >= 500:
		return ErrorKindServer
	case statusCode >= 400:
		return ErrorKindClient
	default:
		return ErrorKindApplication
	}
}

// QualifiesForBackoff reports whether a failure with this status code and kind
// should escalate the target's backoff: 429, 5xx, or a transport-level error.
// Other 4xx responses do not.
func QualifiesForBackoff(statusCode int, kind ErrorKind) bool {
	switch {
	case statusCode == 429:
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	case statusCode == 0 && (kind == ErrorKindTransport || kind == ErrorKindTimeout):
		return true
	case kind == ErrorKindRateLimited:
		return true
	default:
		return false
	}
}

// Retryable reports whether the queue should schedule another attempt.
func Retryable(statusCode int, kind ErrorKind) bool {
	if QualifiesForBackoff(statusCode, kind) {
		return true
	}
	switch kind {
	case ErrorKindBlocked, ErrorKindCaptcha:
		return true
	default:
		return false
	}
}

// Outcome is what a worker reports after executing a fetch.
type Outcome struct {
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	StatusCode  int           `json:"status_code"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	ResultCount int           `json:"result_count,omitempty"`
}

// Resolution describes what the queue did with an item after a failure.
type Resolution struct {
	ItemID   string     `json:"item_id"`
	Status   ItemStatus `json:"status"`
	Attempts int        `json:"attempts"`
	RetryAt  time.Time  `json:"retry_at,omitempty"`
	Terminal bool       `json:"terminal"`
}

// TargetStats is the statistics view of one target (or of the global scope).
type TargetStats struct {
	Target           string        `json:"target"`
	CircuitState     CircuitState  `json:"circuit_state"`
	ActiveRequests   int           `json:"active_requests"`
	RequestsLast5Min int           `json:"requests_last_5min"`
	SuccessRate      float64       `json:"success_rate"`
	AvgLatencyMs     float64       `json:"avg_latency_ms"`
	CurrentSoftCap   int           `json:"current_soft_cap"`
	CurrentQPS       float64       `json:"current_qps"`
	BackoffLevel     int           `json:"backoff_level"`
	BackoffUntil     time.Time     `json:"backoff_until,omitempty"`
	NextAttemptIn    time.Duration `json:"next_attempt_in,omitempty"`
}

// QueueStats summarizes the request queue.
type QueueStats struct {
	Pending            int     `json:"pending"`
	Processing         int     `json:"processing"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Cancelled          int     `json:"cancelled"`
	DuplicatesFiltered int64   `json:"duplicates_filtered"`
	SuccessRate        float64 `json:"success_rate"`
}
