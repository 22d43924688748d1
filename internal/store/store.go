// Package store is the persistent store gateway (spec.md §4.2): the
// transactional operations over executions, node instances (value +
// revision), and computations (attempts) that the rest of the scheduler
// trusts as ground truth. Ported in shape from the teacher's
// graph/store.Store[S] interface (graph/store/store.go) and its SQLite/
// MySQL implementations, generalized from a single typed workflow state to
// the spec's multi-node, revision-versioned dataflow model.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Conflict and ErrExecutionArchived are never surfaced to
// a user-facing API per spec.md §7 — callers (dispatch, sweeper) treat them
// as "skip this candidate, try again later."
var (
	ErrNotFound          = errors.New("store: not found")
	ErrConflict          = errors.New("store: optimistic claim lost a race")
	ErrExecutionArchived = errors.New("store: execution is archived")
	ErrGraphMismatch     = errors.New("store: graph already registered with a different definition")
)

// CompState is one of the six Computation lifecycle states (spec.md §3/§4.4).
type CompState string

const (
	CompNotSet    CompState = "not_set"
	CompComputing CompState = "computing"
	CompSuccess   CompState = "success"
	CompFailed    CompState = "failed"
	CompAbandoned CompState = "abandoned"
	CompCancelled CompState = "cancelled"
)

// GraphRef is the (name, version) identity of a registered graph.
type GraphRef struct {
	Name    string
	Version string
}

// Execution is the durable record created by start_execution.
type Execution struct {
	ID         string
	GraphRef   GraphRef
	Revision   int64
	ArchivedAt *time.Time
}

// NodeValue is one NodeInstance row: the current opaque payload (JSON-
// encoded) for a node within an execution, or the not_set zero value.
type NodeValue struct {
	NodeName    string
	Set         bool
	Payload     []byte // JSON-encoded opaque value; nil when !Set
	SetRevision int64
	SetTime     time.Time
}

// Computation is one attempt record for a compute/schedule/mutate node.
type Computation struct {
	ID                 string
	ExecutionID        string
	NodeName           string
	State              CompState
	AttemptIndex       int
	StartedAt          time.Time
	Deadline           time.Time
	CompletedAt        *time.Time
	ExRevisionAtStart  int64
	UpstreamRevisions  map[string]int64
	ResultPayload      []byte
	ErrorPayload       []byte
}

// ExecutionSnapshot is a point-in-time read of everything the readiness
// evaluator needs: the execution row, every node's current value, and the
// most recent Computation per node (no entry for nodes never attempted).
type ExecutionSnapshot struct {
	Execution           Execution
	Nodes               map[string]NodeValue
	LatestComputations  map[string]Computation
}

// ClaimRequest is the input to ClaimComputation. ExRevSeen and
// UpstreamRevisions are the optimistic-concurrency witnesses: the claim
// only succeeds if the execution's revision still matches ExRevSeen.
type ClaimRequest struct {
	ExecutionID       string
	NodeName          string
	Deadline          time.Time
	ExRevSeen         int64
	UpstreamRevisions map[string]int64
	AttemptIndex      int
}

// CompleteRequest is the input to CompleteComputation. ClaimID must be the
// ID returned by the matching ClaimComputation call. MutatesTarget is set
// only when the completing node is a mutate kind; the payload is then
// written to that target node's NodeInstance instead of NodeName's own.
type CompleteRequest struct {
	ClaimID       string
	ExecutionID   string
	NodeName      string
	Outcome       CompState // success | failed | abandoned | cancelled
	ResultPayload []byte
	ErrorPayload  []byte
	MutatesTarget string

	// SkipValueWrite is set for a schedule node's successful ":no_schedule"
	// outcome (spec.md §4.5 step 4): the attempt still completes as
	// success, but no value is written to the node's NodeInstance.
	SkipValueWrite bool
}

// Store is the abstract transactional gateway every concrete backend
// (sqlite.go, mysql.go, postgres.go, memory.go) implements identically, so
// the scheduler never depends on a SQL dialect.
type Store interface {
	CreateExecution(ctx context.Context, ref GraphRef, nodeNames []string) (Execution, error)
	LoadExecution(ctx context.Context, id string) (ExecutionSnapshot, error)

	// WriteValue sets an input node's value, bumping the execution revision
	// by exactly one in the same transaction. Fails with
	// ErrExecutionArchived if the execution has been archived.
	WriteValue(ctx context.Context, executionID, nodeName string, payload []byte) (newRevision int64, err error)

	// ClaimComputation inserts a Computation row in CompComputing, but only
	// if no other computation for (executionID, nodeName) is currently
	// computing and the execution's revision still equals req.ExRevSeen.
	// Returns ErrConflict otherwise. This is the sole enforcement point for
	// the at-most-one-in-flight-per-node invariant (spec.md §4.2).
	ClaimComputation(ctx context.Context, req ClaimRequest) (Computation, error)

	// CompleteComputation atomically transitions a computing Computation to
	// a terminal state, writes the result value (on success), and bumps the
	// revision, all within one transaction.
	CompleteComputation(ctx context.Context, req CompleteRequest) (newRevision int64, err error)

	ListLiveExecutions(ctx context.Context, cursor string, limit int) (execs []Execution, nextCursor string, err error)

	// ListStaleComputations returns every row still CompComputing whose
	// Deadline is before threshold — the sweeper's reclaim candidates.
	ListStaleComputations(ctx context.Context, threshold time.Time) ([]Computation, error)

	Archive(ctx context.Context, executionID string) error

	Close() error
}
