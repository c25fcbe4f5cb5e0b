package crew

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/educator/internal/llm"
)

// fakeChat replays scripted responses and records requests.
type fakeChat struct {
	mu        sync.Mutex
	responses []llm.ChatMessage
	requests  []llm.ChatCompletionRequest
	err       error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &llm.ChatCompletionResponse{}, nil
	}
	msg := f.responses[0]
	f.responses = f.responses[1:]
	return &llm.ChatCompletionResponse{Choices: []llm.Choice{{Message: msg}}}, nil
}

func lastUserPrompt(req llm.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func TestSequentialEngineRunsTasksInOrder(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatMessage{
		{Role: "assistant", Content: "- Ada wrote the first program"},
		{Role: "assistant", Content: "# Ada Lovelace\n\nShe wrote the first program."},
	}}
	c, err := NewResearchCrew(ResearchOptions{Mode: ModeContent, Filename: "bio.txt"})
	if err != nil {
		t.Fatal(err)
	}

	var events []EventKind
	ctx := WithObserver(context.Background(), func(ev Event) { events = append(events, ev.Kind) })

	eng := NewSequentialEngine(chat, SequentialEngineConfig{Model: "m"}, nil)
	res, err := eng.Kickoff(ctx, c, Inputs{"topic": "Ada Lovelace", "content": "Ada Lovelace biography"})
	if err != nil {
		t.Fatalf("Kickoff failed: %v", err)
	}

	if res.Raw != "# Ada Lovelace\n\nShe wrote the first program." {
		t.Errorf("Raw should be the final task output, got %q", res.Raw)
	}
	if len(res.TasksOutput) != 2 || res.TasksOutput[0].Name != TaskResearch {
		t.Fatalf("unexpected task outputs %+v", res.TasksOutput)
	}
	if len(chat.requests) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(chat.requests))
	}

	first := lastUserPrompt(chat.requests[0])
	if !strings.Contains(first, "Ada Lovelace biography") || !strings.Contains(first, "about Ada Lovelace") {
		t.Errorf("research prompt missing interpolated inputs: %q", first)
	}
	if !strings.Contains(chat.requests[0].Messages[0].Content, RoleResearcher) {
		t.Errorf("system prompt should name the researcher role")
	}
	second := lastUserPrompt(chat.requests[1])
	if !strings.Contains(second, "- Ada wrote the first program") {
		t.Errorf("reporting prompt should carry research output: %q", second)
	}

	want := []EventKind{EventKickoffStarted, EventTaskStarted, EventTaskFinished, EventTaskStarted, EventTaskFinished, EventKickoffFinished}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestSequentialEngineToolLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bio.txt")
	if err := os.WriteFile(path, []byte("Grace Hopper built the first compiler."), 0644); err != nil {
		t.Fatal(err)
	}
	chat := &fakeChat{responses: []llm.ChatMessage{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID: "call_1", Type: "function",
			Function: llm.ToolCallFunction{Name: ToolFileRead, Arguments: "{}"},
		}}},
		{Role: "assistant", Content: "Hopper: first compiler"},
		{Role: "assistant", Content: "# Report"},
	}}
	c, err := NewResearchCrew(ResearchOptions{Mode: ModeTool, StagedPath: path})
	if err != nil {
		t.Fatal(err)
	}

	eng := NewSequentialEngine(chat, SequentialEngineConfig{Model: "m"}, nil)
	res, err := eng.Kickoff(context.Background(), c, Inputs{"topic": "Grace Hopper"})
	if err != nil {
		t.Fatalf("Kickoff failed: %v", err)
	}
	if res.Raw != "# Report" {
		t.Errorf("unexpected final output %q", res.Raw)
	}
	if len(chat.requests[0].Tools) != 1 {
		t.Errorf("read tool should be offered, got %d tools", len(chat.requests[0].Tools))
	}
	msgs := chat.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || !strings.Contains(toolMsg.Content, "first compiler") {
		t.Errorf("tool result not fed back: %+v", toolMsg)
	}
}

func TestSequentialEngineStopsOfferingToolsAfterMaxRounds(t *testing.T) {
	call := llm.ChatMessage{Role: "assistant", ToolCalls: []llm.ToolCall{{
		ID: "c", Type: "function", Function: llm.ToolCallFunction{Name: ToolFileRead},
	}}}
	chat := &fakeChat{responses: []llm.ChatMessage{call, call, {Role: "assistant", Content: "done"}, {Role: "assistant", Content: "report"}}}
	c, err := NewResearchCrew(ResearchOptions{Mode: ModeTool, StagedPath: "/nonexistent/bio.txt"})
	if err != nil {
		t.Fatal(err)
	}

	eng := NewSequentialEngine(chat, SequentialEngineConfig{MaxToolRounds: 2}, nil)
	if _, err := eng.Kickoff(context.Background(), c, nil); err != nil {
		t.Fatalf("Kickoff failed: %v", err)
	}
	if len(chat.requests[2].Tools) != 0 {
		t.Error("tools should not be offered after the round limit")
	}
	if !strings.HasPrefix(chat.requests[1].Messages[3].Content, "Error:") {
		t.Errorf("failed tool should report an error to the model, got %q", chat.requests[1].Messages[3].Content)
	}
}

func TestSequentialEngineEmptyOutput(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatMessage{{Role: "assistant", Content: "facts"}, {Role: "assistant", Content: "  \n"}}}
	c, _ := NewResearchCrew(ResearchOptions{Mode: ModeContent})

	eng := NewSequentialEngine(chat, SequentialEngineConfig{}, nil)
	if _, err := eng.Kickoff(context.Background(), c, nil); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

func TestSequentialEngineProviderError(t *testing.T) {
	chat := &fakeChat{err: &llm.APIError{StatusCode: 500, Body: "boom"}}
	c, _ := NewResearchCrew(ResearchOptions{Mode: ModeContent})

	eng := NewSequentialEngine(chat, SequentialEngineConfig{}, nil)
	_, err := eng.Kickoff(context.Background(), c, nil)
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if len(chat.requests) != 1 {
		t.Errorf("reporting task should not run after a failure, got %d requests", len(chat.requests))
	}
}
