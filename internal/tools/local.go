package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/soddygo/kode-acp/pkg/models"
)

// maxReadBytes bounds what Read returns for one file.
const maxReadBytes = 256 * 1024

// LocalExecutor is a minimal engine working on the local file system,
// relative to the call's working directory. Shell execution is not provided.
type LocalExecutor struct{}

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// ExecuteTool executes a tool based on its internal name.
func (e *LocalExecutor) ExecuteTool(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ToolResult{}, err
	}

	var (
		content string
		err     error
	)
	switch call.Name {
	case "Read":
		content, err = e.read(call)
	case "Write":
		content, err = e.write(call)
	case "Edit":
		content, err = e.edit(call)
	case "LS":
		content, err = e.list(call)
	case "Glob":
		content, err = e.glob(call)
	case "Grep":
		content, err = e.grep(ctx, call)
	case "Bash":
		err = fmt.Errorf("shell execution is not available in this engine")
	default:
		err = fmt.Errorf("unknown tool: %s", call.Name)
	}
	if err != nil {
		return models.ToolResult{}, err
	}
	return models.ToolResult{CallID: call.ID, Content: content}, nil
}

func (e *LocalExecutor) read(call models.InternalToolCall) (string, error) {
	path, err := resolvePath(call, "file_path")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	text := string(data)

	offset := intArg(call.Input, "offset")
	limit := intArg(call.Input, "limit")
	if offset <= 0 && limit <= 0 {
		return text, nil
	}
	lines := strings.Split(text, "\n")
	if offset > len(lines) {
		return "", nil
	}
	if offset > 0 {
		lines = lines[offset:]
	}
	if limit > 0 && limit < len(lines) {
		lines = lines[:limit]
	}
	return strings.Join(lines, "\n"), nil
}

func (e *LocalExecutor) write(call models.InternalToolCall) (string, error) {
	path, err := resolvePath(call, "file_path")
	if err != nil {
		return "", err
	}
	content, _ := call.Input["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (e *LocalExecutor) edit(call models.InternalToolCall) (string, error) {
	path, err := resolvePath(call, "file_path")
	if err != nil {
		return "", err
	}
	oldText, _ := call.Input["old_string"].(string)
	newText, _ := call.Input["new_string"].(string)
	if oldText == "" {
		return "", fmt.Errorf("old_string is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	text := string(data)
	switch n := strings.Count(text, oldText); n {
	case 0:
		return "", fmt.Errorf("old_string not found in %s", path)
	case 1:
	default:
		return "", fmt.Errorf("old_string matches %d times in %s", n, path)
	}
	text = strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("edited %s", path), nil
}

func (e *LocalExecutor) list(call models.InternalToolCall) (string, error) {
	dir := call.WorkingDirectory
	if _, ok := call.Input["path"]; ok {
		p, err := resolvePath(call, "path")
		if err != nil {
			return "", err
		}
		dir = p
	}
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (e *LocalExecutor) glob(call models.InternalToolCall) (string, error) {
	pattern, _ := call.Input["pattern"].(string)
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	base := call.WorkingDirectory
	if p, ok := call.Input["path"].(string); ok && p != "" {
		base = join(call.WorkingDirectory, p)
	}
	matches, err := filepath.Glob(join(base, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

func (e *LocalExecutor) grep(ctx context.Context, call models.InternalToolCall) (string, error) {
	pattern, _ := call.Input["pattern"].(string)
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	root := call.WorkingDirectory
	if p, ok := call.Input["path"].(string); ok && p != "" {
		root = join(call.WorkingDirectory, p)
	}
	if root == "" {
		root = "."
	}
	include, _ := call.Input["include"].(string)

	var matches []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		return scanFile(path, re, &matches)
	})
	if err != nil {
		return "", err
	}
	return strings.Join(matches, "\n"), nil
}

func scanFile(path string, re *regexp.Regexp, matches *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if re.MatchString(scanner.Text()) {
			*matches = append(*matches, fmt.Sprintf("%s:%d:%s", path, lineNo, scanner.Text()))
		}
	}
	return nil
}

func resolvePath(call models.InternalToolCall, key string) (string, error) {
	p, _ := call.Input[key].(string)
	if p == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return join(call.WorkingDirectory, p), nil
}

func join(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func intArg(input map[string]interface{}, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
