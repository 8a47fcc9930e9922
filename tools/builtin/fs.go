// Package builtin provides the file and shell tools every agent can call.
// All paths resolve inside the configured working directory.
package builtin

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/tools"
)

// maxReadBytes caps how much of a file read_file returns
const maxReadBytes = 256 * 1024

// Register adds every builtin tool to r
func Register(r *tools.Registry, shellTimeout time.Duration) {
	r.Register(ReadFile{})
	r.Register(ListDir{})
	r.Register(WriteFile{})
	r.Register(ExecShell{Timeout: shellTimeout})
}

// resolve maps a tool-supplied path onto root, rejecting anything that
// escapes it
func resolve(root, p string) (string, error) {
	if root == "" {
		return "", errors.New("no working directory configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrapf(err, "resolve working directory %s", root)
	}
	if p == "" {
		p = "."
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewInvalidRequestError("path %q is outside the working directory", p)
	}
	return target, nil
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

// ReadFile returns the contents of a file
type ReadFile struct{}

func (ReadFile) Name() string        { return "read_file" }
func (ReadFile) Description() string { return "Read a file. Args: {\"path\": \"...\"}" }
func (ReadFile) Risks() []tools.Risk { return []tools.Risk{tools.RiskReadOnly} }

func (ReadFile) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"]
	}`)
}

func (ReadFile) Execute(_ context.Context, tc tools.Context, input map[string]interface{}, _ tools.Stream) (interface{}, error) {
	path, err := resolve(tc.WorkingDir, stringArg(input, "path"))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", stringArg(input, "path"))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", stringArg(input, "path"))
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// ListDir lists the entries of a directory, directories suffixed with "/"
type ListDir struct{}

func (ListDir) Name() string        { return "list_dir" }
func (ListDir) Description() string { return "List a directory. Args: {\"path\": \"...\"}" }
func (ListDir) Risks() []tools.Risk { return []tools.Risk{tools.RiskReadOnly} }

func (ListDir) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"path": {"type": "string"}}}`)
}

func (ListDir) Execute(_ context.Context, tc tools.Context, input map[string]interface{}, _ tools.Stream) (interface{}, error) {
	path, err := resolve(tc.WorkingDir, stringArg(input, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", stringArg(input, "path"))
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

// WriteFile creates or replaces a file
type WriteFile struct{}

func (WriteFile) Name() string { return "write_file" }
func (WriteFile) Description() string {
	return "Write content to a file. Args: {\"path\": \"...\", \"content\": \"...\"}"
}
func (WriteFile) Risks() []tools.Risk { return []tools.Risk{tools.RiskWriteFiles} }

func (WriteFile) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (WriteFile) Execute(_ context.Context, tc tools.Context, input map[string]interface{}, stream tools.Stream) (interface{}, error) {
	rel := stringArg(input, "path")
	path, err := resolve(tc.WorkingDir, rel)
	if err != nil {
		return nil, err
	}
	content := stringArg(input, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create parent of %s", rel)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, errors.Wrapf(err, "write %s", rel)
	}
	stream.ArtifactCreated("file", path)
	return map[string]interface{}{"path": rel, "bytes": len(content)}, nil
}
