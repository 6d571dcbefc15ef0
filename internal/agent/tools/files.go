package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps how much of a file read_file returns
const maxReadBytes = 256 << 10

// ReadFileTool reads a file from the workspace
type ReadFileTool struct {
	workspace string
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Group() Group        { return GroupFilesystem }
func (t *ReadFileTool) Description() string { return "Read a text file from the workspace." }

func (t *ReadFileTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path": prop("string", "Path relative to the workspace"),
	}, "path")
}

func (t *ReadFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	path, err := confine(t.workspace, in.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", in.Path)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return "", err
	}
	content := string(data)
	if info.Size() > maxReadBytes {
		content += fmt.Sprintf("\n... (truncated, %d bytes total)", info.Size())
	}
	return content, nil
}

// WriteFileTool creates or replaces a file in the workspace
type WriteFileTool struct {
	workspace string
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Group() Group { return GroupFilesystem }

func (t *WriteFileTool) Description() string {
	return "Write a text file in the workspace, creating parent directories. Existing files are replaced."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path":    prop("string", "Path relative to the workspace"),
		"content": prop("string", "Full file content"),
	}, "path", "content")
}

func (t *WriteFileTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Path) == "" {
		return "", errors.New("path is required")
	}
	path, err := confine(t.workspace, in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(in.Content), in.Path), nil
}

// ListDirTool lists a workspace directory
type ListDirTool struct {
	workspace string
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Group() Group        { return GroupFilesystem }
func (t *ListDirTool) Description() string { return "List files in a workspace directory." }

func (t *ListDirTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"path": prop("string", "Directory relative to the workspace; empty for the root"),
	})
}

func (t *ListDirTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	dir, err := confine(t.workspace, in.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty)", nil
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
