// Package emit is the domain-level event stream consumed by wait_any/
// wait_new callers and by diagnostics — adapted from the teacher's
// graph/emit package (Emitter/Event/LogEmitter/OTelEmitter), generalized
// from per-workflow-step events to per-(execution, node, computation)
// scheduler events. It is distinct from the zerolog-based internal
// component logging used by dispatch/sweeper/store — emit.Event is a
// user-facing record, not an operational log line.
package emit

import "time"

// Event is one observable scheduler occurrence: a claim, a completion, a
// revision bump, a schedule fire.
type Event struct {
	ExecutionID   string
	NodeName      string
	ComputationID string
	Kind          string // "claimed" | "success" | "failed" | "abandoned" | "cancelled" | "value_written" | "schedule_fired"
	Revision      int64
	Meta          map[string]any
	Time          time.Time
}
