// Package nodefn provides ready-made graphdef.Function implementations for
// compute nodes that call out to an LLM or an external tool, adapted from
// the teacher's graph/model.ChatModel and graph/tool.Tool abstractions.
// Those two interfaces are provider-agnostic clients with no workflow-state
// coupling of their own, so they are reused directly (anthropic/openai/
// google adapters, graph/tool.Tool implementations); what nodefn adapts is
// the call site: turning "send these messages, get this response" into a
// graphdef.Function that reads its prompt from the input map and writes its
// answer as a node value.
package nodefn

import (
	"context"
	"fmt"

	"github.com/dshills/flowgraph/graph/model"
	"github.com/dshills/flowgraph/graph/tool"
	"github.com/dshills/flowgraph/internal/graphdef"
)

// PromptBuilder turns a compute node's filtered input map into the message
// list sent to the model. Kept as a caller-supplied func rather than a fixed
// template so one ChatCompute factory serves every prompt shape a graph
// needs.
type PromptBuilder func(inputs map[string]any) ([]model.Message, error)

// ChatCompute returns a graphdef.Function that sends PromptBuilder(inputs)
// to chat, with no tools, and writes the response text as the node's value.
// When the model requests a tool call, the Function fails rather than
// silently dropping it — use ChatComputeWithTools for nodes that need to
// execute tool calls themselves.
func ChatCompute(chat model.ChatModel, build PromptBuilder) graphdef.Function {
	return func(ctx context.Context, inputs map[string]any) (graphdef.FunctionResult, error) {
		messages, err := build(inputs)
		if err != nil {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: build prompt: %w", err)
		}
		out, err := chat.Chat(ctx, messages, nil)
		if err != nil {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: chat: %w", err)
		}
		if len(out.ToolCalls) > 0 {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: model requested %d tool call(s); use ChatComputeWithTools", len(out.ToolCalls))
		}
		return graphdef.FunctionResult{Value: out.Text}, nil
	}
}

// ToolSet resolves a tool name to its executable implementation, the way a
// graph author wires the ToolSpecs advertised to the model to the tool.Tool
// instances that actually run.
type ToolSet map[string]tool.Tool

// ChatComputeWithTools is ChatCompute plus a single round of tool-call
// execution: if the model responds with tool calls instead of text, each is
// run against tools and each result is appended as its own user message
// before asking the model again. Nodes that need multi-round tool use
// should compose several compute nodes instead — one attempt here is one
// computation, matching spec.md §4.4's single-attempt-per-claim model.
func ChatComputeWithTools(chat model.ChatModel, build PromptBuilder, specs []model.ToolSpec, tools ToolSet) graphdef.Function {
	return func(ctx context.Context, inputs map[string]any) (graphdef.FunctionResult, error) {
		messages, err := build(inputs)
		if err != nil {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: build prompt: %w", err)
		}

		out, err := chat.Chat(ctx, messages, specs)
		if err != nil {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: chat: %w", err)
		}
		if len(out.ToolCalls) == 0 {
			return graphdef.FunctionResult{Value: out.Text}, nil
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})
		for _, call := range out.ToolCalls {
			t, ok := tools[call.Name]
			if !ok {
				return graphdef.FunctionResult{}, fmt.Errorf("nodefn: no tool registered for %q", call.Name)
			}
			result, err := t.Call(ctx, call.Input)
			if err != nil {
				return graphdef.FunctionResult{}, fmt.Errorf("nodefn: tool %q: %w", call.Name, err)
			}
			messages = append(messages, model.Message{Role: model.RoleUser, Content: fmt.Sprintf("%v", result)})
		}

		final, err := chat.Chat(ctx, messages, nil)
		if err != nil {
			return graphdef.FunctionResult{}, fmt.Errorf("nodefn: chat after tool results: %w", err)
		}
		return graphdef.FunctionResult{Value: final.Text}, nil
	}
}
