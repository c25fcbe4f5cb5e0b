package crew

import (
	"fmt"
	"path/filepath"
)

// Roles of the research crew.
const (
	RoleResearcher = "Senior Data Researcher"
	RoleAnalyst    = "Reporting Analyst"
)

// Task names of the research crew.
const (
	TaskResearch = "research_task"
	TaskReport   = "reporting_task"
)

// Integration modes.
const (
	// ModeContent passes the decoded document as the {content} input.
	ModeContent = "content"
	// ModeTool gives the agents a read tool bound to the staged file.
	ModeTool = "tool"
)

// ResearchOptions configures NewResearchCrew.
type ResearchOptions struct {
	Mode       string
	StagedPath string
	Filename   string
	ReportFile string
	// WorkDir is where the analyst's write tool may write. Empty disables it.
	WorkDir string
	Reader  TextReader
}

// NewResearchCrew builds the two-agent research → report pipeline. The
// returned descriptors reference {topic}, and {content} in content mode.
func NewResearchCrew(opts ResearchOptions) (*Crew, error) {
	if opts.Mode != ModeContent && opts.Mode != ModeTool {
		return nil, fmt.Errorf("%w: unknown integration mode %q", ErrInvalidCrew, opts.Mode)
	}
	if opts.Mode == ModeTool && opts.StagedPath == "" {
		return nil, fmt.Errorf("%w: tool mode needs a staged file", ErrInvalidCrew)
	}
	reportFile := opts.ReportFile
	if reportFile == "" {
		reportFile = "report.txt"
	}
	filename := opts.Filename
	if filename == "" && opts.StagedPath != "" {
		filename = filepath.Base(opts.StagedPath)
	}

	researcher := &Agent{
		Role: RoleResearcher,
		Goal: "Uncover cutting-edge developments in {topic}",
		Backstory: "You're a seasoned researcher with a knack for uncovering the latest " +
			"developments in {topic}. Known for your ability to find the most relevant " +
			"information and present it in a clear and concise manner from the given file.",
		Memory:          true,
		AllowDelegation: true,
		Verbose:         true,
	}
	analyst := &Agent{
		Role: RoleAnalyst,
		Goal: "Create detailed reports based on {topic} data analysis and research findings",
		Backstory: "You're a meticulous analyst with a keen eye for detail. You're known for " +
			"your ability to turn complex data into clear and concise reports, making " +
			"it easy for others to understand and act on the information you provide.",
		Memory:          true,
		AllowDelegation: true,
		Verbose:         true,
	}

	research := &Task{
		Name:           TaskResearch,
		ExpectedOutput: "A comprehensive list of extracted information about {topic}.",
		Agent:          researcher,
	}
	switch opts.Mode {
	case ModeContent:
		research.Description = "Scrape the content of the provided document " + filename +
			" and gather information about {topic}. " +
			"Ensure that you extract all relevant data and details.\n\n" +
			"Document content:\n{content}"
	case ModeTool:
		readTool := NewFileReadTool(opts.StagedPath, opts.Reader)
		researcher.Tools = []Tool{readTool}
		analyst.Tools = []Tool{readTool}
		if opts.WorkDir != "" {
			analyst.Tools = append(analyst.Tools, NewFileWriterTool(opts.WorkDir, reportFile, filename))
		}
		research.Description = "Scrape the content of the uploaded file " + filename +
			" using the file reading tool and gather information about {topic}. " +
			"Ensure that you extract all relevant data and details."
	}

	report := &Task{
		Name: TaskReport,
		Description: "Write down the scraped content provided by the research specialist. " +
			"Ensure the report is well-organized and detailed.",
		ExpectedOutput: "A detailed report based on the extracted information, formatted as markdown.",
		Agent:          analyst,
		OutputFile:     reportFile,
		Context:        []*Task{research},
	}

	c := &Crew{
		Agents:  []*Agent{researcher, analyst},
		Tasks:   []*Task{research, report},
		Process: Sequential,
		Verbose: true,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
