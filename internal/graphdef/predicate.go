package graphdef

import "reflect"

// Snapshot is the read-only view a Predicate evaluates against. The
// readiness evaluator implements it over a store.ExecutionSnapshot; tests
// can implement it directly over a plain map.
//
// Type parameter-free by design: predicates never see payload types, only
// presence and equality, matching spec.md §9's "dynamic typing of node
// payloads" note — the core never inspects payloads except the schedule
// time contract, which TimeAfter handles via Value's int64 assertion.
type Snapshot interface {
	// Provided reports whether node has a set value.
	Provided(node string) bool
	// Value returns node's current value and whether it is set.
	Value(node string) (any, bool)
	// Now returns the evaluation-time wall clock, as unix seconds. Threaded
	// through Snapshot (rather than time.Now()) so evaluation stays pure
	// and replayable in tests.
	Now() int64
}

// Predicate is a boolean expression over other nodes' presence and/or
// values, evaluated by the readiness evaluator (spec.md §4.3). Predicates
// are pure and side-effect free.
//
// Ported in spirit from the teacher's Predicate[S]/Edge[S] (graph/edge.go):
// same idea of a composable boolean gate on state, generalized here from a
// typed workflow state to named node lookups over a Snapshot.
type Predicate interface {
	Eval(s Snapshot) bool
	// DependsOn returns the node names this predicate reads, used to build
	// the upstream revision vector (spec.md §4.3 step 2) and for cycle
	// detection at Register time.
	DependsOn() []string
}

// Leaves decomposes a predicate into its outstanding_computations
// "conditions" units: the direct operands of a top-level And, or the
// predicate itself if it is not an And. This is the decomposition choice
// spec.md §9's open question leaves to the implementation; it satisfies the
// requirement that conditions_met + conditions_not_met equal the node's
// direct upstream dependency count (S3: reminder depends on [greeting,
// schedule] via And(Provided(greeting), TimeAfter(schedule)) -> 2 leaves).
func Leaves(p Predicate) []Predicate {
	if and, ok := p.(*andPredicate); ok {
		return and.operands
	}
	return []Predicate{p}
}

// Provided is satisfied once node has any set value.
type providedPredicate struct{ node string }

func Provided(node string) Predicate { return &providedPredicate{node: node} }

func (p *providedPredicate) Eval(s Snapshot) bool    { return s.Provided(p.node) }
func (p *providedPredicate) DependsOn() []string     { return []string{p.node} }

// ValueEquals is satisfied once node is set and deep-equal to want, per Go's
// standard reflect.DeepEqual comparison of opaque payloads.
type valueEqualsPredicate struct {
	node string
	want any
}

func ValueEquals(node string, want any) Predicate {
	return &valueEqualsPredicate{node: node, want: want}
}

func (p *valueEqualsPredicate) Eval(s Snapshot) bool {
	v, ok := s.Value(p.node)
	if !ok {
		return false
	}
	return reflect.DeepEqual(v, p.want)
}

func (p *valueEqualsPredicate) DependsOn() []string { return []string{p.node} }

// TimeAfter is satisfied once the schedule node's value (an int64 unix-
// seconds timestamp) is less than or equal to Snapshot.Now(). This is the
// "now() >= value(schedule_time_node)" predicate from spec.md §4.3.
type timeAfterPredicate struct{ scheduleNode string }

func TimeAfter(scheduleNode string) Predicate {
	return &timeAfterPredicate{scheduleNode: scheduleNode}
}

func (p *timeAfterPredicate) Eval(s Snapshot) bool {
	v, ok := s.Value(p.scheduleNode)
	if !ok {
		return false
	}
	ts, ok := asUnixSeconds(v)
	if !ok {
		return false
	}
	return s.Now() >= ts
}

func (p *timeAfterPredicate) DependsOn() []string { return []string{p.scheduleNode} }

// And is satisfied iff every operand is satisfied. It is the decomposition
// unit Leaves() peels apart for outstanding_computations.
type andPredicate struct{ operands []Predicate }

func And(operands ...Predicate) Predicate { return &andPredicate{operands: operands} }

func (p *andPredicate) Eval(s Snapshot) bool {
	for _, op := range p.operands {
		if !op.Eval(s) {
			return false
		}
	}
	return true
}

func (p *andPredicate) DependsOn() []string {
	var out []string
	for _, op := range p.operands {
		out = append(out, op.DependsOn()...)
	}
	return out
}

// Or is satisfied iff any operand is satisfied.
type orPredicate struct{ operands []Predicate }

func Or(operands ...Predicate) Predicate { return &orPredicate{operands: operands} }

func (p *orPredicate) Eval(s Snapshot) bool {
	for _, op := range p.operands {
		if op.Eval(s) {
			return true
		}
	}
	return false
}

func (p *orPredicate) DependsOn() []string {
	var out []string
	for _, op := range p.operands {
		out = append(out, op.DependsOn()...)
	}
	return out
}

// Not inverts a predicate. DependsOn is passed through unchanged.
type notPredicate struct{ operand Predicate }

func Not(operand Predicate) Predicate { return &notPredicate{operand: operand} }

func (p *notPredicate) Eval(s Snapshot) bool { return !p.operand.Eval(s) }
func (p *notPredicate) DependsOn() []string  { return p.operand.DependsOn() }

func asUnixSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
