package nodefn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowgraph/internal/graphdef"
)

// ModelPricing is input/output token cost in USD per 1M tokens, identical
// in shape to the teacher's graph.ModelPricing (graph/cost.go).
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing carries forward the teacher's static pricing table
// (graph/cost.go's defaultModelPricing), unchanged: it is a vendor price
// list, not workflow logic, so there is nothing to adapt about the numbers
// themselves.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet-20240229":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// ErrBudgetExceeded is returned by WithCostTracking when recording a call
// would push an execution's ledger past its configured budget.
var ErrBudgetExceeded = errors.New("nodefn: cost budget exceeded")

// LLMCall is one recorded invocation, identical in shape to the teacher's
// graph.LLMCall, keyed by node name rather than a free-form NodeID string
// since nodefn always knows its NodeDef.Name at record time.
type LLMCall struct {
	Model        string
	NodeName     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Time         time.Time
}

// Ledger tracks LLM spend for one execution. Where the teacher's
// CostTracker is scoped to a whole workflow run (RunID), Ledger is scoped
// to a single execution_id, since flowgraph's unit of persistent state is
// the execution, not a single invocation of the engine.
type Ledger struct {
	mu       sync.Mutex
	pricing  map[string]ModelPricing
	budget   float64 // 0 means unbounded
	calls    []LLMCall
	total    float64
	byModel  map[string]float64
}

// NewLedger returns a Ledger using pricing (DefaultPricing if nil) and an
// optional budget in USD; a zero budget means unlimited spend.
func NewLedger(pricing map[string]ModelPricing, budget float64) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Ledger{pricing: pricing, budget: budget, byModel: make(map[string]float64)}
}

// Record attributes inputTokens/outputTokens to model and nodeName, and
// reports ErrBudgetExceeded if doing so would exceed the ledger's budget —
// the call is still recorded so callers can see how far over they went.
func (l *Ledger) Record(modelName, nodeName string, inputTokens, outputTokens int) (costUSD float64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pricing, ok := l.pricing[modelName]
	if !ok {
		pricing = ModelPricing{}
	}
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M + (float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	l.calls = append(l.calls, LLMCall{
		Model: modelName, NodeName: nodeName, InputTokens: inputTokens, OutputTokens: outputTokens,
		CostUSD: cost, Time: time.Now().UTC(),
	})
	l.total += cost
	l.byModel[modelName] += cost

	if l.budget > 0 && l.total > l.budget {
		return cost, fmt.Errorf("%w: total $%.4f exceeds budget $%.4f", ErrBudgetExceeded, l.total, l.budget)
	}
	return cost, nil
}

// Total returns cumulative recorded cost in USD.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// ByModel returns a copy of the per-model cost breakdown.
func (l *Ledger) ByModel() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.byModel))
	for k, v := range l.byModel {
		out[k] = v
	}
	return out
}

// estimateTokens is a rough chars/4 heuristic, used only because
// model.ChatOut carries no provider token-usage field to meter against
// exactly. Nodes backed by a provider that does expose usage should record
// through Ledger.Record directly instead of via WithCostTracking.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// WithCostTracking wraps fn so every successful invocation also records an
// estimated cost against ledger under modelName/nodeName. Token counts are
// estimated from the size of the input map and the result value via
// estimateTokens, since graphdef.Function has no hook for a provider's
// actual usage numbers; a Function built directly on model.ChatModel that
// needs exact accounting should call ledger.Record itself instead of going
// through this wrapper.
//
// The wrapped Function fails with ErrBudgetExceeded if the call pushes the
// ledger over its budget — the underlying computation still succeeded, but
// the node is made to fail so the graph's retry/backoff path surfaces the
// overrun rather than silently continuing to spend.
func WithCostTracking(nodeName, modelName string, ledger *Ledger, fn graphdef.Function) graphdef.Function {
	return func(ctx context.Context, inputs map[string]any) (graphdef.FunctionResult, error) {
		result, err := fn(ctx, inputs)
		if err != nil {
			return result, err
		}

		inTok := estimateTokens(fmt.Sprintf("%v", inputs))
		outTok := estimateTokens(fmt.Sprintf("%v", result.Value))
		if _, cerr := ledger.Record(modelName, nodeName, inTok, outTok); cerr != nil {
			return graphdef.FunctionResult{}, cerr
		}
		return result, nil
	}
}
