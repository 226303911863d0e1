// Package tools registers the built-in local capabilities: shell command
// execution, workspace file access, and workspace search.
package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverlabs/drover/pkg/procexec"
	"github.com/droverlabs/drover/pkg/toolrunner"
)

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot  string
	Executor       *procexec.Executor
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// RegisterCoreTools registers the baseline tool set.
func RegisterCoreTools(registry *toolrunner.Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if opts.Executor == nil {
		return errors.New("process executor is required")
	}
	if opts.WorkspaceRoot == "" {
		return errors.New("workspace root is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}

	defs := []toolrunner.Definition{
		shellTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		searchTool(opts),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func shellTool(opts Options) toolrunner.Definition {
	return toolrunner.Definition{
		Name:        "shell",
		Description: "Execute a command on the local machine.",
		Gated:       true,
		Parameters: []toolrunner.Parameter{
			{Name: "command", Type: "string", Description: "Executable to run", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments", Required: false},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			ec := toolrunner.ExecContextFrom(ctx)

			command, _ := args["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return "", nil, fmt.Errorf("command is required")
			}

			timeout := parseDurationSeconds(args["timeout"], opts.DefaultTimeout)
			if ec != nil && ec.Timeout > 0 {
				timeout = ec.Timeout
			}

			cwd := opts.WorkspaceRoot
			if raw, ok := args["cwd"].(string); ok && raw != "" {
				resolved, err := resolveInWorkspace(opts.WorkspaceRoot, raw)
				if err != nil {
					return "", nil, err
				}
				cwd = resolved
			}

			req := procexec.Request{
				Command:        command,
				Args:           toStringSlice(args["args"]),
				Dir:            cwd,
				Timeout:        timeout,
				MaxOutputBytes: opts.MaxOutputBytes,
			}
			if ec != nil {
				req.Env = ec.Env
				if ec.OnChunk != nil {
					callID := ec.CallID
					req.OnChunk = func(stream procexec.StreamKind, chunk []byte) {
						ec.OnChunk(callID, string(stream), chunk)
					}
				}
			}
			if stdin, ok := args["stdin"].(string); ok && stdin != "" {
				req.Stdin = stdin
			}

			result, err := opts.Executor.Run(ctx, req)
			if err != nil {
				return "", commandMeta(command, -1, 0), err
			}

			output := result.Stdout
			if result.Stderr != "" {
				output += "\n[stderr]\n" + result.Stderr
			}
			meta := commandMeta(commandLine(command, req.Args), result.ExitCode, result.Duration)
			meta["stderr_len"] = len(result.Stderr)
			return output, meta, nil
		},
	}
}

func readFileTool(opts Options) toolrunner.Definition {
	return toolrunner.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolrunner.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: 200000},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return "", nil, err
			}

			maxBytes := int64(200000)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readWithLimit(target, maxBytes)
			if err != nil {
				return "", nil, err
			}

			meta := map[string]interface{}{"bytes": len(data), "truncated": truncated}
			return string(data), meta, nil
		},
	}
}

func writeFileTool(opts Options) toolrunner.Definition {
	return toolrunner.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Gated:       true,
		Parameters: []toolrunner.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return "", nil, err
			}
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", nil, err
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(target, flags, 0644)
			if err != nil {
				return "", nil, err
			}
			defer f.Close()

			n, err := f.WriteString(content)
			if err != nil {
				return "", nil, err
			}

			return fmt.Sprintf("wrote %d bytes to %s", n, pathValue), map[string]interface{}{"bytes": n}, nil
		},
	}
}

func searchTool(opts Options) toolrunner.Definition {
	const maxMatches = 100

	return toolrunner.Definition{
		Name:        "search",
		Description: "Search workspace files for a substring.",
		Parameters: []toolrunner.Parameter{
			{Name: "query", Type: "string", Description: "Substring to search for", Required: true},
			{Name: "path", Type: "string", Description: "Subdirectory to search (default workspace root)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", nil, fmt.Errorf("query is required")
			}

			root := opts.WorkspaceRoot
			if raw, ok := args["path"].(string); ok && raw != "" {
				resolved, err := resolveInWorkspace(opts.WorkspaceRoot, raw)
				if err != nil {
					return "", nil, err
				}
				root = resolved
			}

			var matches []string
			err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					name := d.Name()
					if name == ".git" || name == "node_modules" {
						return filepath.SkipDir
					}
					return nil
				}
				if len(matches) >= maxMatches {
					return filepath.SkipAll
				}
				found, scanErr := scanFile(path, query, root)
				if scanErr == nil {
					matches = append(matches, found...)
				}
				return nil
			})
			if err != nil {
				return "", nil, err
			}

			if len(matches) > maxMatches {
				matches = matches[:maxMatches]
			}
			meta := map[string]interface{}{"matches": len(matches)}
			if len(matches) == 0 {
				return "no matches", meta, nil
			}
			return strings.Join(matches, "\n"), meta, nil
		},
	}
}

// scanFile returns "path:line: text" entries for lines containing query.
func scanFile(path, query, root string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.Contains(text, query) {
			if len(text) > 200 {
				text = text[:200]
			}
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, line, text))
		}
	}
	return out, nil
}

// resolveInWorkspace confines a relative path to the workspace root.
func resolveInWorkspace(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Clean(filepath.Join(rootAbs, rel))
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return target, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}

	truncated := info.Size() > limit
	size := info.Size()
	if truncated {
		size = limit
	}

	// io.ReadFull keeps reading on short reads until the window is full.
	data := make([]byte, size)
	n, err := io.ReadFull(f, data)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, err
	}
	return data[:n], truncated, nil
}

func commandMeta(command string, exitCode int, duration time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"command":     command,
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

func toStringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	if raw, ok := value.(float64); ok && raw > 0 {
		return time.Duration(raw * float64(time.Second))
	}
	return fallback
}
