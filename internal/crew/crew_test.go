package crew

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInterpolate(t *testing.T) {
	in := Inputs{"topic": "Ada {content}", "content": "body"}

	got := Interpolate("About {topic}: {content} {missing}", in)
	want := "About Ada {content}: body {missing}"
	if got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
	if got := Interpolate("{topic}", nil); got != "{topic}" {
		t.Errorf("expected no substitution without inputs, got %q", got)
	}
}

func TestNewResearchCrewContentMode(t *testing.T) {
	c, err := NewResearchCrew(ResearchOptions{Mode: ModeContent, Filename: "bio.txt"})
	if err != nil {
		t.Fatalf("NewResearchCrew failed: %v", err)
	}
	if len(c.Agents) != 2 || len(c.Tasks) != 2 {
		t.Fatalf("expected 2 agents and 2 tasks, got %d/%d", len(c.Agents), len(c.Tasks))
	}
	if c.Tasks[0].Agent.Role != RoleResearcher || c.Tasks[1].Agent.Role != RoleAnalyst {
		t.Errorf("tasks bound to wrong agents: %q, %q", c.Tasks[0].Agent.Role, c.Tasks[1].Agent.Role)
	}
	report := c.TaskByName(TaskReport)
	if report.OutputFile != "report.txt" {
		t.Errorf("expected report.txt output file, got %q", report.OutputFile)
	}
	if len(report.Context) != 1 || report.Context[0] != c.TaskByName(TaskResearch) {
		t.Error("reporting task must consume the research task output")
	}
	if !strings.Contains(c.Tasks[0].Description, "{content}") {
		t.Error("content mode research description should reference {content}")
	}
	for _, a := range c.Agents {
		if len(a.Tools) != 0 {
			t.Errorf("agent %q should have no tools in content mode", a.Role)
		}
		if !a.Memory || !a.AllowDelegation || !a.Verbose {
			t.Errorf("agent %q flags not set", a.Role)
		}
	}
}

func TestNewResearchCrewToolMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bio.txt")
	if err := os.WriteFile(path, []byte("Ada Lovelace wrote the first program."), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := NewResearchCrew(ResearchOptions{Mode: ModeTool, StagedPath: path, WorkDir: dir})
	if err != nil {
		t.Fatalf("NewResearchCrew failed: %v", err)
	}
	researcher := c.AgentByRole(RoleResearcher)
	if len(researcher.Tools) != 1 || researcher.Tools[0].Spec().Name != ToolFileRead {
		t.Fatalf("researcher should have the read tool, got %+v", researcher.Tools)
	}
	out, err := researcher.Tools[0].Run(context.Background(), map[string]string{"path": "/etc/passwd"})
	if err != nil {
		t.Fatalf("read tool failed: %v", err)
	}
	if !strings.Contains(out, "Ada Lovelace") {
		t.Errorf("read tool returned %q", out)
	}
	if analyst := c.AgentByRole(RoleAnalyst); len(analyst.Tools) != 2 {
		t.Errorf("analyst should have read and write tools, got %d", len(analyst.Tools))
	}
}

func TestNewResearchCrewRejectsBadOptions(t *testing.T) {
	if _, err := NewResearchCrew(ResearchOptions{Mode: "bogus"}); !errors.Is(err, ErrInvalidCrew) {
		t.Errorf("expected ErrInvalidCrew for unknown mode, got %v", err)
	}
	if _, err := NewResearchCrew(ResearchOptions{Mode: ModeTool}); !errors.Is(err, ErrInvalidCrew) {
		t.Errorf("expected ErrInvalidCrew for tool mode without a file, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	a := &Agent{Role: "a"}
	outsider := &Agent{Role: "x"}
	first := &Task{Name: "one", Description: "d", Agent: a}

	tests := []struct {
		name string
		crew *Crew
	}{
		{"no tasks", &Crew{Agents: []*Agent{a}, Process: Sequential}},
		{"bad process", &Crew{Agents: []*Agent{a}, Tasks: []*Task{first}, Process: "hierarchical"}},
		{"duplicate role", &Crew{Agents: []*Agent{a, {Role: "a"}}, Tasks: []*Task{first}, Process: Sequential}},
		{"foreign agent", &Crew{
			Agents:  []*Agent{a},
			Tasks:   []*Task{{Name: "one", Description: "d", Agent: outsider}},
			Process: Sequential,
		}},
		{"forward context", &Crew{
			Agents: []*Agent{a},
			Tasks: []*Task{
				{Name: "two", Description: "d", Agent: a, Context: []*Task{first}},
				first,
			},
			Process: Sequential,
		}},
		{"duplicate task", &Crew{
			Agents:  []*Agent{a},
			Tasks:   []*Task{first, {Name: "one", Description: "d", Agent: a}},
			Process: Sequential,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.crew.Validate(); !errors.Is(err, ErrInvalidCrew) {
				t.Errorf("expected ErrInvalidCrew, got %v", err)
			}
		})
	}
}

func TestFileWriterToolConfinedToDir(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriterTool(dir)

	if _, err := w.Run(context.Background(), map[string]string{"filename": "../../out.md", "content": "hi"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.md")); err != nil {
		t.Errorf("expected file inside dir: %v", err)
	}
	if _, err := w.Run(context.Background(), map[string]string{"filename": "..", "content": "x"}); err == nil {
		t.Error("expected error for invalid filename")
	}
}

func TestEncodeDecodeKickoffPreservesStructure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bio.txt")
	c, err := NewResearchCrew(ResearchOptions{Mode: ModeTool, StagedPath: path, WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	s, err := EncodeKickoff(c, Inputs{"topic": "Ada"})
	if err != nil {
		t.Fatalf("EncodeKickoff failed: %v", err)
	}
	got, inputs, err := DecodeKickoff(s, DefaultToolFactory(nil, allowOnly(dir)))
	if err != nil {
		t.Fatalf("DecodeKickoff failed: %v", err)
	}
	if inputs["topic"] != "Ada" {
		t.Errorf("inputs lost: %v", inputs)
	}
	report := got.TaskByName(TaskReport)
	if report == nil || report.Agent != got.AgentByRole(RoleAnalyst) {
		t.Fatal("reporting task not rebound to analyst")
	}
	if len(report.Context) != 1 || report.Context[0] != got.TaskByName(TaskResearch) {
		t.Error("context link lost")
	}
	tools := got.AgentByRole(RoleResearcher).Tools
	if len(tools) != 1 || tools[0].Spec().FilePath != path {
		t.Errorf("read tool not rebuilt: %+v", tools)
	}
	writer := got.AgentByRole(RoleAnalyst).Tools[1].Spec()
	if writer.Name != ToolFileWriter || writer.Dir != dir || len(writer.Reserved) != 2 {
		t.Errorf("write tool not rebuilt: %+v", writer)
	}
}

func allowOnly(root string) DirCheck {
	return func(dir string) error {
		if filepath.Clean(dir) != filepath.Clean(root) {
			return errors.New("outside")
		}
		return nil
	}
}

func TestDefaultToolFactoryRefusesUncheckedWriters(t *testing.T) {
	staged := t.TempDir()
	elsewhere := t.TempDir()
	spec := ToolSpec{Name: ToolFileWriter, Dir: elsewhere}

	if _, err := DefaultToolFactory(nil, nil)(spec); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool without a dir check, got %v", err)
	}
	if _, err := DefaultToolFactory(nil, allowOnly(staged))(spec); !errors.Is(err, ErrInvalidCrew) {
		t.Errorf("expected ErrInvalidCrew for a foreign dir, got %v", err)
	}
	if _, err := DefaultToolFactory(nil, allowOnly(staged))(ToolSpec{Name: ToolFileWriter}); !errors.Is(err, ErrInvalidCrew) {
		t.Errorf("expected ErrInvalidCrew for an empty dir, got %v", err)
	}
	entries, _ := os.ReadDir(elsewhere)
	if len(entries) != 0 {
		t.Errorf("nothing should be written outside staging, found %d entries", len(entries))
	}

	tool, err := DefaultToolFactory(nil, allowOnly(staged))(ToolSpec{Name: ToolFileWriter, Dir: staged})
	if err != nil {
		t.Fatalf("factory rejected the staging dir: %v", err)
	}
	if _, err := tool.Run(context.Background(), map[string]string{"filename": "notes.md", "content": "x"}); err != nil {
		t.Errorf("Run failed: %v", err)
	}
}

func TestFileWriterToolRefusesReservedAndHiddenNames(t *testing.T) {
	dir := t.TempDir()
	c, err := NewResearchCrew(ResearchOptions{
		Mode:       ModeTool,
		StagedPath: filepath.Join(dir, "bio.txt"),
		ReportFile: "report.txt",
		WorkDir:    dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	writer := c.AgentByRole(RoleAnalyst).Tools[1]

	for _, name := range []string{"report.txt", "REPORT.TXT", "bio.txt", ".bashrc", "sub/.env"} {
		if _, err := writer.Run(context.Background(), map[string]string{"filename": name, "content": "x"}); err == nil {
			t.Errorf("expected %q to be refused", name)
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.Base(name))); err == nil {
			t.Errorf("%q was written", name)
		}
	}
}

func TestDecodeKickoffUnknownTool(t *testing.T) {
	c, _ := NewResearchCrew(ResearchOptions{Mode: ModeTool, StagedPath: "/tmp/x.txt"})
	s, err := EncodeKickoff(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	factory := func(ToolSpec) (Tool, error) { return nil, ErrUnknownTool }
	if _, _, err := DecodeKickoff(s, factory); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}
