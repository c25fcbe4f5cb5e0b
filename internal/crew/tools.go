package crew

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tool names understood on both sides of the engine boundary.
const (
	ToolFileRead   = "read_file"
	ToolFileWriter = "write_file"
)

// ErrUnknownTool is returned when a tool spec names no known tool.
var ErrUnknownTool = errors.New("unknown tool")

// ToolSpec is the serializable reference to a tool.
type ToolSpec struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path,omitempty"`
	Dir      string `json:"dir,omitempty"`
	// Reserved lists file names a writer must not touch.
	Reserved []string `json:"reserved,omitempty"`
}

// Tool is a capability an agent may invoke during a task.
type Tool interface {
	Spec() ToolSpec
	Description() string
	// Parameters is the JSON schema of the arguments.
	Parameters() map[string]any
	Run(ctx context.Context, args map[string]string) (string, error)
}

// TextReader returns the text of a file. It lets the staging layer decide
// which paths and types may be read.
type TextReader func(path string) (string, error)

// FileReadTool reads one fixed file, ignoring any path the model supplies.
type FileReadTool struct {
	Path   string
	Reader TextReader
}

// NewFileReadTool binds a read tool to path.
func NewFileReadTool(path string, reader TextReader) *FileReadTool {
	return &FileReadTool{Path: path, Reader: reader}
}

func (t *FileReadTool) Spec() ToolSpec {
	return ToolSpec{Name: ToolFileRead, FilePath: t.Path}
}

func (t *FileReadTool) Description() string {
	return fmt.Sprintf("Reads the content of the uploaded file %s.", filepath.Base(t.Path))
}

func (t *FileReadTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *FileReadTool) Run(ctx context.Context, _ map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reader := t.Reader
	if reader == nil {
		reader = readFileText
	}
	return reader(t.Path)
}

// FileWriterTool writes files inside one directory. Hidden names and the
// Reserved names are refused.
type FileWriterTool struct {
	Dir      string
	Reserved []string
}

// NewFileWriterTool creates a writer confined to dir.
func NewFileWriterTool(dir string, reserved ...string) *FileWriterTool {
	return &FileWriterTool{Dir: dir, Reserved: reserved}
}

func (t *FileWriterTool) Spec() ToolSpec {
	return ToolSpec{Name: ToolFileWriter, Dir: t.Dir, Reserved: t.Reserved}
}

func (t *FileWriterTool) Description() string {
	return "Writes text content to a file in the working directory."
}

func (t *FileWriterTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{"type": "string", "description": "Base file name"},
			"content":  map[string]any{"type": "string", "description": "Text to write"},
		},
		"required": []string{"filename", "content"},
	}
}

func (t *FileWriterTool) Run(ctx context.Context, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(strings.TrimSpace(args["filename"]))
	if name == "." || name == ".." || name == "/" || name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("write_file: invalid filename %q", args["filename"])
	}
	for _, r := range t.Reserved {
		if r != "" && strings.EqualFold(name, r) {
			return "", fmt.Errorf("write_file: %q is reserved", name)
		}
	}
	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	path := filepath.Join(t.Dir, name)
	if err := os.WriteFile(path, []byte(args["content"]), 0644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args["content"]), name), nil
}

// ToolFactory rebuilds tools from their specs on the engine side.
type ToolFactory func(spec ToolSpec) (Tool, error)

// DirCheck reports whether a writer may be bound to dir.
type DirCheck func(dir string) error

// DefaultToolFactory builds the file tools. Reads go through reader; writers
// are only built for directories accepted by writable, and never when
// writable is nil.
func DefaultToolFactory(reader TextReader, writable DirCheck) ToolFactory {
	return func(spec ToolSpec) (Tool, error) {
		switch spec.Name {
		case ToolFileRead:
			if spec.FilePath == "" {
				return nil, fmt.Errorf("%w: %s: file_path is required", ErrInvalidCrew, ToolFileRead)
			}
			return NewFileReadTool(spec.FilePath, reader), nil
		case ToolFileWriter:
			if spec.Dir == "" {
				return nil, fmt.Errorf("%w: %s: dir is required", ErrInvalidCrew, ToolFileWriter)
			}
			if writable == nil {
				return nil, fmt.Errorf("%w: %s is not available", ErrUnknownTool, ToolFileWriter)
			}
			if err := writable(spec.Dir); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCrew, ToolFileWriter, err)
			}
			return NewFileWriterTool(spec.Dir, spec.Reserved...), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, spec.Name)
		}
	}
}

func readFileText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}
