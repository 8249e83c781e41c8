// Package fs implements the filesystem tool category (spec.md §4.11): read,
// write, list, and delete operations, every path resolved through the
// workspace sandbox before it ever reaches the OS.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/workspace"
)

const maxReadBytes = 10 * 1024 * 1024

// ReadFile implements registry.Tool for fs.read_file.
type ReadFile struct{ Resolver *workspace.Resolver }

func (ReadFile) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "fs",
		Name:        "read_file",
		Description: "Read the contents of a text file within the workspace sandbox.",
		Params: []registry.ParamSchema{
			{Name: "path", Type: "string", Required: true, Description: "Path relative to the workspace root"},
		},
	}
}

func (t ReadFile) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "fs.read_file"
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "path is required")
	}

	resolved, err := t.Resolver.Resolve(path, "")
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(core.KindNotFound, op, "file not found: "+path).WithSuggestion("fs.list_directory")
		}
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	if info.IsDir() {
		return nil, core.NewError(core.KindInvalidParam, op, "path is a directory, not a file")
	}
	if info.Size() > maxReadBytes {
		return nil, core.NewError(core.KindInvalidParam, op, fmt.Sprintf("file exceeds maximum read size of %d bytes", maxReadBytes))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return map[string]interface{}{"path": path, "content": string(data), "size": info.Size()}, nil
}

// WriteFile implements registry.Tool for fs.write_file.
type WriteFile struct{ Resolver *workspace.Resolver }

func (WriteFile) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "fs",
		Name:        "write_file",
		Description: "Write (creating or overwriting) a file within the workspace sandbox.",
		Params: []registry.ParamSchema{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
	}
}

func (t WriteFile) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "fs.write_file"
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "path is required")
	}
	content, _ := params["content"].(string)

	resolved, err := t.Resolver.Resolve(path, "")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return map[string]interface{}{"path": path, "bytes_written": len(content)}, nil
}

// ListDirectory implements registry.Tool for fs.list_directory.
type ListDirectory struct{ Resolver *workspace.Resolver }

func (ListDirectory) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "fs",
		Name:        "list_directory",
		Description: "List entries in a directory within the workspace sandbox.",
		Params:      []registry.ParamSchema{{Name: "path", Type: "string", Required: false}},
	}
}

func (t ListDirectory) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "fs.list_directory"
	path, _ := params["path"].(string)
	if path == "" {
		path = "."
	}

	resolved, err := t.Resolver.Resolve(path, "")
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(core.KindNotFound, op, "directory not found: "+path)
		}
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	names := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		names = append(names, map[string]interface{}{"name": e.Name(), "is_dir": e.IsDir(), "size": size})
	}
	sort.Slice(names, func(i, j int) bool { return names[i]["name"].(string) < names[j]["name"].(string) })

	return map[string]interface{}{"path": path, "entries": names}, nil
}

// DeleteFile implements registry.Tool for fs.delete_file.
type DeleteFile struct{ Resolver *workspace.Resolver }

func (DeleteFile) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:     "fs",
		Name:         "delete_file",
		Description:  "Delete a file within the workspace sandbox.",
		Params:       []registry.ParamSchema{{Name: "path", Type: "string", Required: true}},
		RequiresHITL: true,
	}
}

func (t DeleteFile) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "fs.delete_file"
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "path is required")
	}

	resolved, err := t.Resolver.Resolve(path, "")
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(core.KindNotFound, op, "file not found: "+path)
		}
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	if info.IsDir() {
		return nil, core.NewError(core.KindInvalidParam, op, "path is a directory; use a directory-aware tool")
	}

	if err := os.Remove(resolved); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return map[string]interface{}{"path": path, "deleted": true}, nil
}
