package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odysseyml/odyssey/pkg/types"
)

// ReadFile returns a file's contents, optionally windowed by line
// offset and limit.
type ReadFile struct{}

var _ Tool = (*ReadFile)(nil)

type readFileArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Name implements Tool.
func (r *ReadFile) Name() string {
	return "read_file"
}

// Description implements Tool.
func (r *ReadFile) Description() string {
	return "Read a file from the workspace."
}

// Execute implements Tool.
func (r *ReadFile) Execute(ctx context.Context, tctx *Context, raw json.RawMessage) (string, error) {
	var args readFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", &types.ToolError{Tool: r.Name(), Op: "decode arguments", Err: err}
	}
	if args.Path == "" {
		return "", &types.ToolError{Tool: r.Name(), Op: "validate", Err: fmt.Errorf("path must not be empty")}
	}

	path, err := tctx.CheckPath(ctx, args.Path, types.AccessRead)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &types.ToolError{Tool: r.Name(), Op: "read", Err: err}
	}

	content := string(data)
	if args.Offset > 0 || args.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := args.Offset
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if args.Limit > 0 && start+args.Limit < end {
			end = start + args.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	if max := tctx.Services.MaxOutputBytes; max > 0 && int64(len(content)) > max {
		content = content[:max] + "\n[output truncated]"
	}
	return content, nil
}

// WriteFile creates or overwrites a file.
type WriteFile struct{}

var _ Tool = (*WriteFile)(nil)

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Name implements Tool.
func (w *WriteFile) Name() string {
	return "write_file"
}

// Description implements Tool.
func (w *WriteFile) Description() string {
	return "Write a file in the workspace, creating parent directories as needed."
}

// Execute implements Tool.
func (w *WriteFile) Execute(ctx context.Context, tctx *Context, raw json.RawMessage) (string, error) {
	var args writeFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", &types.ToolError{Tool: w.Name(), Op: "decode arguments", Err: err}
	}
	if args.Path == "" {
		return "", &types.ToolError{Tool: w.Name(), Op: "validate", Err: fmt.Errorf("path must not be empty")}
	}

	path, err := tctx.CheckPath(ctx, args.Path, types.AccessWrite)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &types.ToolError{Tool: w.Name(), Op: "write", Err: err}
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", &types.ToolError{Tool: w.Name(), Op: "write", Err: err}
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), path), nil
}

// ListDir lists a directory's entries.
type ListDir struct{}

var _ Tool = (*ListDir)(nil)

type listDirArgs struct {
	Path string `json:"path,omitempty"`
}

// Name implements Tool.
func (l *ListDir) Name() string {
	return "list_dir"
}

// Description implements Tool.
func (l *ListDir) Description() string {
	return "List the entries of a directory."
}

// Execute implements Tool.
func (l *ListDir) Execute(ctx context.Context, tctx *Context, raw json.RawMessage) (string, error) {
	var args listDirArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", &types.ToolError{Tool: l.Name(), Op: "decode arguments", Err: err}
	}
	if args.Path == "" {
		args.Path = "."
	}

	path, err := tctx.CheckPath(ctx, args.Path, types.AccessRead)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", &types.ToolError{Tool: l.Name(), Op: "list", Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
