package agent

import (
	"context"
	"fmt"

	"github.com/hyper-ai-inc/pullbroker/internal/commands"
	"github.com/hyper-ai-inc/pullbroker/internal/fileops"
	"github.com/hyper-ai-inc/pullbroker/internal/fs"
	"github.com/hyper-ai-inc/pullbroker/internal/pty"
)

// Executor performs operations on the local machine.
type Executor struct {
	workspace *fs.Workspace
	runner    *pty.Runner
}

// NewExecutor confines file operations to root and runs commands with shell.
func NewExecutor(root, shell string) *Executor {
	return &Executor{
		workspace: fs.NewWorkspace(root),
		runner:    pty.NewRunner(shell),
	}
}

// File runs a file operation. Failures are reported in the result.
func (e *Executor) File(op fileops.Operation) fileops.Result {
	res := fileops.Result{OpID: op.ID}

	switch op.Operation {
	case fileops.OpRead:
		data, err := e.workspace.Read(op.Path)
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Content = string(data)

	case fileops.OpWrite:
		if err := e.workspace.Write(op.Path, []byte(op.Content)); err != nil {
			res.Error = err.Error()
		}

	case fileops.OpList:
		entries, err := e.workspace.List(op.Path)
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Entries = make([]fileops.FileEntry, 0, len(entries))
		for _, entry := range entries {
			res.Entries = append(res.Entries, fileops.FileEntry{
				Name: entry.Name,
				Type: entry.Type,
				Size: entry.Size,
			})
		}

	default:
		res.Error = fmt.Sprintf("unsupported operation %q", op.Operation)
	}
	return res
}

// Command runs a shell command. Non-zero exit is reported in both
// ExitStatus and Error.
func (e *Executor) Command(ctx context.Context, req commands.Request) commands.Result {
	res := commands.Result{CommandID: req.ID}

	dir := ""
	if req.WorkingDirectory != "" {
		info, err := e.workspace.Stat(req.WorkingDirectory)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if info.Type != fs.TypeDir {
			res.Error = fmt.Sprintf("%s: %v", req.WorkingDirectory, fs.ErrNotDirectory)
			return res
		}
		resolved, err := e.workspace.Resolve(req.WorkingDirectory)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		dir = resolved
	}

	out, err := e.runner.Run(ctx, req.Command, dir)
	if out != nil {
		res.Output = out.Output
		status := out.ExitStatus
		res.ExitStatus = &status
		if status != 0 {
			res.Error = fmt.Sprintf("exit status %d", status)
		}
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
