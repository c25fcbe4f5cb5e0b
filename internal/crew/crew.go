// Package crew describes role-tagged agents and their ordered tasks, and
// submits them to an orchestration engine.
package crew

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Process is the execution strategy of a crew.
type Process string

// Sequential runs tasks one after another in declaration order.
const Sequential Process = "sequential"

var (
	// ErrInvalidCrew is returned when a crew fails validation.
	ErrInvalidCrew = errors.New("invalid crew")
	// ErrEmptyResult is returned when an engine produced no output.
	ErrEmptyResult = errors.New("engine returned an empty result")
)

// Inputs are named values interpolated into descriptor text as {name}.
type Inputs map[string]string

// Agent is a declarative role configuration.
type Agent struct {
	Role            string
	Goal            string
	Backstory       string
	Memory          bool
	AllowDelegation bool
	Verbose         bool
	Tools           []Tool
}

// Task is a unit of work bound to one agent.
type Task struct {
	Name           string
	Description    string
	ExpectedOutput string
	Agent          *Agent
	OutputFile     string
	// Context lists earlier tasks whose output feeds this one. Empty means
	// every earlier task.
	Context []*Task
}

// Crew is the pipeline submitted to an engine.
type Crew struct {
	Agents  []*Agent
	Tasks   []*Task
	Process Process
	Verbose bool
}

// TaskOutput is the output of one evaluated task.
type TaskOutput struct {
	Name  string `json:"name"`
	Agent string `json:"agent"`
	Raw   string `json:"raw"`
}

// Result is what a kickoff returns. Raw is the final task's output.
type Result struct {
	Raw         string       `json:"raw"`
	TasksOutput []TaskOutput `json:"tasks_output,omitempty"`
}

// Engine executes a crew and blocks until a single result is available.
type Engine interface {
	Kickoff(ctx context.Context, c *Crew, inputs Inputs) (*Result, error)
}

// Validate checks that the crew can be executed sequentially: every task has
// a known agent, task names are unique, and context only points backwards.
func (c *Crew) Validate() error {
	if c.Process != Sequential {
		return fmt.Errorf("%w: unsupported process %q", ErrInvalidCrew, c.Process)
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidCrew)
	}

	agents := make(map[*Agent]bool, len(c.Agents))
	roles := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a == nil || a.Role == "" {
			return fmt.Errorf("%w: agent without a role", ErrInvalidCrew)
		}
		if roles[a.Role] {
			return fmt.Errorf("%w: duplicate agent role %q", ErrInvalidCrew, a.Role)
		}
		roles[a.Role] = true
		agents[a] = true
	}

	seen := make(map[*Task]bool, len(c.Tasks))
	names := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t == nil || t.Description == "" {
			return fmt.Errorf("%w: task %d has no description", ErrInvalidCrew, i)
		}
		if t.Name == "" {
			return fmt.Errorf("%w: task %d has no name", ErrInvalidCrew, i)
		}
		if names[t.Name] {
			return fmt.Errorf("%w: duplicate task name %q", ErrInvalidCrew, t.Name)
		}
		names[t.Name] = true
		if t.Agent == nil || !agents[t.Agent] {
			return fmt.Errorf("%w: task %q is bound to an agent outside the crew", ErrInvalidCrew, t.Name)
		}
		for _, dep := range t.Context {
			if !seen[dep] {
				return fmt.Errorf("%w: task %q depends on a task that does not run before it", ErrInvalidCrew, t.Name)
			}
		}
		seen[t] = true
	}
	return nil
}

// TaskByName returns the named task, or nil.
func (c *Crew) TaskByName(name string) *Task {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// AgentByRole returns the agent with role, or nil.
func (c *Crew) AgentByRole(role string) *Agent {
	for _, a := range c.Agents {
		if a.Role == role {
			return a
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate replaces {name} with inputs[name]. Unknown placeholders are
// left intact and substituted text is not rescanned.
func Interpolate(s string, inputs Inputs) string {
	if len(inputs) == 0 {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := inputs[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
