package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/pkg/models"
)

const maxReadBytes = 256 << 10

// resolve joins a tool-supplied path onto the root and rejects escapes.
func resolve(root, path string) (string, error) {
	if path == "" {
		path = "."
	}
	joined := filepath.Join(root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return joined, nil
}

type dirListArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the workspace root. Defaults to the root."`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// NewDirList lists a directory inside the workspace root.
func NewDirList(root string) agent.Tool {
	return &agent.FuncTool{
		ToolName: "dir_list",
		Desc:     "List the files in a directory under the workspace.",
		Params:   schemaFor(&dirListArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args dirListArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			dir, err := resolve(root, args.Path)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, err
			}
			out := make([]dirEntry, 0, len(entries))
			for _, e := range entries {
				info, err := e.Info()
				var size int64
				if err == nil {
					size = info.Size()
				}
				out = append(out, dirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
			}
			// Non-textual results travel as JSON.
			body, err := json.Marshal(out)
			if err != nil {
				return nil, err
			}
			return &models.ToolResult{Content: string(body)}, nil
		},
	}
}

type fileReadArgs struct {
	Path string `json:"path" jsonschema:"required,description=File to read relative to the workspace root."`
}

// NewFileRead reads a file inside the workspace root, capped at 256KB.
func NewFileRead(root string) agent.Tool {
	return &agent.FuncTool{
		ToolName: "file_read",
		Desc:     "Read a text file from the workspace.",
		Params:   schemaFor(&fileReadArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args fileReadArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			path, err := resolve(root, args.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return &models.ToolResult{Content: string(data)}, nil
		},
	}
}

type fileWriteArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File to write relative to the workspace root."`
	Content string `json:"content" jsonschema:"required,description=Full file content to write."`
}

// NewFileWrite writes a file inside the workspace root.
func NewFileWrite(root string) agent.Tool {
	return &agent.FuncTool{
		ToolName: "file_write",
		Desc:     "Write a text file into the workspace, creating parent directories.",
		Params:   schemaFor(&fileWriteArgs{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (*models.ToolResult, error) {
			var args fileWriteArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			path, err := resolve(root, args.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return nil, err
			}
			return &models.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}, nil
		},
	}
}
