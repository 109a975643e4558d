package fileops

import (
	"errors"
	"fmt"
)

// Operation kinds.
const (
	OpRead  = "read"
	OpWrite = "write"
	OpList  = "list"
)

// Entry types reported in a listing.
const (
	EntryFile = "file"
	EntryDir  = "dir"
)

var ErrApprovalDenied = errors.New("approval denied")

// Operation is what the agent receives from a poll.
type Operation struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status"`
}

// FileEntry is one directory entry.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Result is what the agent submits after running an operation.
type Result struct {
	OpID    string      `json:"op_id"`
	Error   string      `json:"error,omitempty"`
	Content string      `json:"content,omitempty"`
	Entries []FileEntry `json:"entries,omitempty"`
}

// ReadResult is returned to callers of ReadFile.
type ReadResult struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	TotalSize int    `json:"total_size"`
}

// Listing is returned to callers of ListDirectory.
type Listing struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

// RemoteError is an error reported by the agent for an operation.
type RemoteError struct {
	Op      string
	Path    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
}
