package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/educator/internal/llm"
)

// ChatClient is the subset of the LLM client used by SequentialEngine.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error)
}

// SequentialEngineConfig configures a SequentialEngine.
type SequentialEngineConfig struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxToolRounds int
}

// SequentialEngine evaluates tasks in order against a chat completion API.
// Each task's prompt carries the outputs of its context tasks. Agent memory
// and delegation flags are accepted but not acted on.
type SequentialEngine struct {
	client ChatClient
	cfg    SequentialEngineConfig
	logger *slog.Logger
}

// NewSequentialEngine creates a SequentialEngine.
func NewSequentialEngine(client ChatClient, cfg SequentialEngineConfig, logger *slog.Logger) *SequentialEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 3
	}
	return &SequentialEngine{client: client, cfg: cfg, logger: logger}
}

// Kickoff runs every task of c and returns the last task's output.
func (e *SequentialEngine) Kickoff(ctx context.Context, c *Crew, inputs Inputs) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	Emit(ctx, Event{Kind: EventKickoffStarted})
	outputs := make(map[*Task]string, len(c.Tasks))
	res := &Result{}
	for i, t := range c.Tasks {
		Emit(ctx, Event{Kind: EventTaskStarted, Task: t.Name, Agent: t.Agent.Role})
		start := time.Now()

		var prior []string
		deps := t.Context
		if len(deps) == 0 {
			deps = c.Tasks[:i]
		}
		for _, dep := range deps {
			prior = append(prior, outputs[dep])
		}

		raw, err := e.runTask(ctx, t, inputs, prior)
		if err != nil {
			Emit(ctx, Event{Kind: EventKickoffFailed, Task: t.Name, Detail: err.Error()})
			return nil, fmt.Errorf("task %s: %w", t.Name, err)
		}
		if strings.TrimSpace(raw) == "" {
			Emit(ctx, Event{Kind: EventKickoffFailed, Task: t.Name, Detail: ErrEmptyResult.Error()})
			return nil, fmt.Errorf("task %s: %w", t.Name, ErrEmptyResult)
		}

		outputs[t] = raw
		res.TasksOutput = append(res.TasksOutput, TaskOutput{Name: t.Name, Agent: t.Agent.Role, Raw: raw})
		res.Raw = raw
		e.logger.Debug("Task finished", "task", t.Name, "agent", t.Agent.Role, "duration", time.Since(start))
		Emit(ctx, Event{Kind: EventTaskFinished, Task: t.Name, Agent: t.Agent.Role})
	}
	Emit(ctx, Event{Kind: EventKickoffFinished})
	return res, nil
}

func (e *SequentialEngine) runTask(ctx context.Context, t *Task, inputs Inputs, prior []string) (string, error) {
	a := t.Agent
	messages := []llm.ChatMessage{
		{Role: "system", Content: systemPrompt(a, inputs)},
		{Role: "user", Content: taskPrompt(t, inputs, prior)},
	}

	tools := make(map[string]Tool, len(a.Tools))
	var offered []llm.Tool
	for _, tool := range a.Tools {
		name := tool.Spec().Name
		tools[name] = tool
		offered = append(offered, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        name,
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}

	for round := 0; ; round++ {
		req := llm.ChatCompletionRequest{
			Model:       e.cfg.Model,
			Messages:    messages,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		}
		if round < e.cfg.MaxToolRounds {
			req.Tools = offered
		}

		resp, err := e.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyResult
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 || len(req.Tools) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, llm.ChatMessage{Role: "assistant", Content: msg.Content, ToolCalls: msg.ToolCalls})
		for _, call := range msg.ToolCalls {
			Emit(ctx, Event{Kind: EventToolUsed, Task: t.Name, Agent: a.Role, Tool: call.Function.Name})
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    e.callTool(ctx, tools, call),
			})
		}
	}
}

func (e *SequentialEngine) callTool(ctx context.Context, tools map[string]Tool, call llm.ToolCall) string {
	tool, ok := tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("Error: %v: %s", ErrUnknownTool, call.Function.Name)
	}
	args, err := parseToolArgs(call.Function.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err)
	}
	out, err := tool.Run(ctx, args)
	if err != nil {
		e.logger.Warn("Tool failed", "tool", call.Function.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

func parseToolArgs(raw string) (map[string]string, error) {
	args := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			args[k] = val
		case nil:
		default:
			b, _ := json.Marshal(val)
			args[k] = string(b)
		}
	}
	return args, nil
}

func systemPrompt(a *Agent, inputs Inputs) string {
	return fmt.Sprintf("You are %s. %s\nYour personal goal is: %s",
		Interpolate(a.Role, inputs),
		Interpolate(a.Backstory, inputs),
		Interpolate(a.Goal, inputs))
}

func taskPrompt(t *Task, inputs Inputs, prior []string) string {
	var b strings.Builder
	b.WriteString("Current Task: ")
	b.WriteString(Interpolate(t.Description, inputs))
	b.WriteString("\n\nThis is the expected criteria for your final answer: ")
	b.WriteString(Interpolate(t.ExpectedOutput, inputs))
	b.WriteString("\nyou MUST return the actual complete content as the final answer, not a summary.")
	if len(prior) > 0 {
		b.WriteString("\n\nThis is the context you're working with:\n")
		b.WriteString(strings.Join(prior, "\n\n----------\n\n"))
	}
	b.WriteString("\n\nBegin!")
	return b.String()
}
