// Package governance defines the types shared by the request governance
// subsystem: admission decisions, queued work items, outcomes, statistics,
// and the error taxonomy surfaced to callers of the Governor.
package governance
