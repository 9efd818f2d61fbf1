package builder

import (
	"fmt"
	"sort"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/sandbox"
)

// Tool name constants.
const (
	RunCommandName = "runCommand"
	WriteFilesName = "writeFiles"
	ReadFilesName  = "readFiles"
)

// RunCommandInput defines input for the runCommand tool.
type RunCommandInput struct {
	Command string `json:"command" jsonschema_description:"The shell command to execute inside the app workspace"`
}

// RunCommandOutput carries the command outcome back to the model. A failing
// command is reported through ExitCode and Stderr rather than aborting
// generation, so the model can read the failure and correct course.
type RunCommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// WriteFilesInput defines input for the writeFiles tool.
type WriteFilesInput struct {
	Files map[string]string `json:"files" jsonschema_description:"Map of file path to full file content. Each file is created or fully overwritten."`
}

// WriteFilesOutput reports which paths were written.
type WriteFilesOutput struct {
	Written []string `json:"written"`
	Error   string   `json:"error,omitempty"`
}

// ReadFilesInput defines input for the readFiles tool.
type ReadFilesInput struct {
	Paths []string `json:"paths" jsonschema_description:"File paths to read from the app workspace"`
}

// ReadFilesOutput returns the requested file contents.
type ReadFilesOutput struct {
	Files map[string]string `json:"files"`
	Error string            `json:"error,omitempty"`
}

// Toolbox holds the handlers behind the build tools. Handlers resolve the
// current turn's session from the request context, so one registration
// serves every concurrent turn.
type Toolbox struct {
	logger log.Logger
}

// RegisterTools registers the build tools with Genkit once at startup and
// returns them for use with ai.WithTools.
func RegisterTools(g *genkit.Genkit, logger log.Logger) []ai.Tool {
	if logger == nil {
		logger = log.NewNop()
	}
	tb := &Toolbox{logger: logger.With("component", "tools")}

	return []ai.Tool{
		genkit.DefineTool(g, RunCommandName,
			"Execute a shell command inside the app workspace. "+
				"Returns: stdout, stderr, and exit code. "+
				"Use this to: install dependencies, run build steps, inspect the workspace. "+
				"A non-zero exit code means the command failed; read stderr and fix the cause.",
			tb.RunCommand),
		genkit.DefineTool(g, WriteFilesName,
			"Create or overwrite files in the app workspace. "+
				"Input is a map of path to complete file content; partial edits are not supported, "+
				"always send the full file. Use this for every file the app needs.",
			tb.WriteFiles),
		genkit.DefineTool(g, ReadFilesName,
			"Read files from the app workspace. "+
				"Returns the full content of each requested path. "+
				"Use this to inspect files before modifying them.",
			tb.ReadFiles),
	}
}

// RunCommand executes a shell command in the turn's sandbox.
func (tb *Toolbox) RunCommand(ctx *ai.ToolContext, input RunCommandInput) (RunCommandOutput, error) {
	session, ok := sandbox.SessionFromContext(ctx.Context)
	if !ok {
		return RunCommandOutput{}, fmt.Errorf("no active build session")
	}
	if input.Command == "" {
		return RunCommandOutput{Error: "InvalidArguments: command must not be empty"}, nil
	}

	tb.logger.Debug("runCommand called", "command", input.Command)
	result, err := session.Exec(ctx.Context, input.Command)
	if err != nil {
		// Sandbox transport failures are surfaced to the model, which may
		// retry; the turn itself keeps going.
		return RunCommandOutput{Error: "ExecutionFailed: " + err.Error()}, nil
	}
	return RunCommandOutput{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	}, nil
}

// WriteFiles writes the given files into the turn's sandbox.
func (tb *Toolbox) WriteFiles(ctx *ai.ToolContext, input WriteFilesInput) (WriteFilesOutput, error) {
	session, ok := sandbox.SessionFromContext(ctx.Context)
	if !ok {
		return WriteFilesOutput{}, fmt.Errorf("no active build session")
	}
	if len(input.Files) == 0 {
		return WriteFilesOutput{Error: "InvalidArguments: files must not be empty"}, nil
	}

	tb.logger.Debug("writeFiles called", "count", len(input.Files))
	if err := session.WriteFiles(ctx.Context, project.FileMap(input.Files)); err != nil {
		return WriteFilesOutput{Error: "WriteFailed: " + err.Error()}, nil
	}

	written := make([]string, 0, len(input.Files))
	for path := range input.Files {
		written = append(written, path)
	}
	sort.Strings(written)
	return WriteFilesOutput{Written: written}, nil
}

// ReadFiles reads the given paths from the turn's sandbox.
func (tb *Toolbox) ReadFiles(ctx *ai.ToolContext, input ReadFilesInput) (ReadFilesOutput, error) {
	session, ok := sandbox.SessionFromContext(ctx.Context)
	if !ok {
		return ReadFilesOutput{}, fmt.Errorf("no active build session")
	}
	if len(input.Paths) == 0 {
		return ReadFilesOutput{Error: "InvalidArguments: paths must not be empty"}, nil
	}

	tb.logger.Debug("readFiles called", "count", len(input.Paths))
	files, err := session.ReadFiles(ctx.Context, input.Paths)
	if err != nil {
		return ReadFilesOutput{Error: "ReadFailed: " + err.Error()}, nil
	}
	return ReadFilesOutput{Files: files}, nil
}
