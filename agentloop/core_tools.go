package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

const (
	editSystemPrompt = "You are an expert. Given a file's content and an edit request, output ONLY the new content with the requested changes while preserving everything else."
	editUserPrompt   = "File content:\n%s\n\nRequested edit: %s\n\nOutput the new file content:"

	// DefaultCommandTimeout bounds run_terminal_command.
	DefaultCommandTimeout = 10 * time.Minute
)

var (
	stringArg = map[string]any{"type": "string"}
	intArg    = map[string]any{"type": "integer"}
)

// Editor rewrites a file's content for edit_file.
type Editor struct {
	Client *unifiedllm.Client
	Model  string
}

// Rewrite asks the model for the edited content and strips a surrounding
// code fence.
func (ed Editor) Rewrite(ctx context.Context, content, query string) (string, error) {
	res, err := unifiedllm.Generate(ctx, unifiedllm.GenerateOptions{
		Client: ed.Client,
		Model:  ed.Model,
		System: editSystemPrompt,
		Prompt: fmt.Sprintf(editUserPrompt, content, query),
	})
	if err != nil {
		return "", err
	}
	return stripEditFence(res.Text), nil
}

// stripEditFence drops an opening fence line and a closing fence.
func stripEditFence(s string) string {
	if strings.HasPrefix(s, "```") {
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
	}
	return strings.TrimSuffix(s, "```")
}

// FileTools returns the local file and terminal tools operating in env.
// edit_file is omitted when editor has no model.
func FileTools(env ExecutionEnvironment, editor Editor) []Tool {
	tools := []Tool{
		CreateFileTool(env),
		DeleteFileTool(env),
	}
	if editor.Model != "" {
		tools = append(tools, EditFileTool(env, editor))
	}
	return append(tools,
		ReadFileTool(env),
		RunTerminalCommandTool(env, DefaultCommandTimeout),
		ListDirectoryTool(env),
	)
}

// CreateFileTool creates a file, with parent directories, optionally with
// content.
func CreateFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Name:        "create_file",
		Description: "Create a new file, optionally with content",
		Args:        []ToolArg{{Name: "filepath", Schema: stringArg}, {Name: "content", Schema: stringArg}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			path, ok := GetStringArg(args, "filepath")
			if !ok || path == "" {
				return nil, errors.New("filepath is required")
			}
			content, _ := GetStringArg(args, "content")
			if err := env.WriteFile(path, content); err != nil {
				return nil, err
			}
			return true, nil
		},
	}
}

// DeleteFileTool deletes a file and reports whether it existed.
func DeleteFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Name:        "delete_file",
		Description: "Delete an existing file",
		Args:        []ToolArg{{Name: "filepath", Schema: stringArg}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			path, ok := GetStringArg(args, "filepath")
			if !ok || path == "" {
				return nil, errors.New("filepath is required")
			}
			return env.DeleteFile(path)
		},
	}
}

// EditFileTool rewrites a file with a model call. It reports false when the
// file does not exist.
func EditFileTool(env ExecutionEnvironment, editor Editor) Tool {
	return Tool{
		Name:        "edit_file",
		Description: "Edit an existing file by using AI to determine targeted edits based on query",
		Args:        []ToolArg{{Name: "filepath", Schema: stringArg}, {Name: "query", Schema: stringArg}},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			path, ok := GetStringArg(args, "filepath")
			if !ok || path == "" {
				return nil, errors.New("filepath is required")
			}
			query, _ := GetStringArg(args, "query")
			current, err := env.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			if err != nil {
				return nil, err
			}
			updated, err := editor.Rewrite(ctx, current, query)
			if err != nil {
				return nil, fmt.Errorf("edit %s: %w", path, err)
			}
			if err := env.WriteFile(path, updated); err != nil {
				return nil, err
			}
			return true, nil
		},
	}
}

// ReadFileTool reads one path, or a list of paths into a path to content
// map. Missing files read as null.
func ReadFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read contents of one or more filepaths. Takes in a string of filepath for one file, or a list of filepaths for multiple. Returns string or list depending",
		Args:        []ToolArg{{Name: "filepath"}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			switch v := args["filepath"].(type) {
			case string:
				content, err := readOrNil(env, v)
				if err != nil || content == nil {
					return nil, err
				}
				return *content, nil
			case []any:
				out := make(map[string]any, len(v))
				for _, p := range v {
					path, ok := p.(string)
					if !ok {
						return nil, fmt.Errorf("filepath entries must be strings, got %T", p)
					}
					content, err := readOrNil(env, path)
					if err != nil {
						return nil, err
					}
					if content == nil {
						out[path] = nil
					} else {
						out[path] = *content
					}
				}
				return out, nil
			case nil:
				return nil, errors.New("filepath is required")
			default:
				return nil, fmt.Errorf("filepath must be a string or a list of strings, got %T", v)
			}
		},
	}
}

func readOrNil(env ExecutionEnvironment, path string) (*string, error) {
	content, err := env.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}

// RunTerminalCommandTool runs a shell command and returns [stdout, stderr].
func RunTerminalCommandTool(env ExecutionEnvironment, timeout time.Duration) Tool {
	return Tool{
		Name:        "run_terminal_command",
		Description: "Run a terminal command and return stdout/stderr",
		Args:        []ToolArg{{Name: "command", Schema: stringArg}},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			command, ok := GetStringArg(args, "command")
			if !ok || command == "" {
				return nil, errors.New("command is required")
			}
			res, err := env.ExecCommand(ctx, command, timeout)
			if err != nil {
				return nil, err
			}
			stderr := res.Stderr
			if res.TimedOut {
				stderr += fmt.Sprintf("\n[command timed out after %s]", timeout)
			}
			return []string{res.Stdout, stderr}, nil
		},
	}
}

// ListDirectoryTool renders the working tree as XML.
func ListDirectoryTool(env ExecutionEnvironment) Tool {
	return Tool{
		Name:        "list_directory",
		Description: "List the folder structure under path (default: the working directory) as XML. max_depth 0 lists only immediate children; omit it for no limit.",
		Args:        []ToolArg{{Name: "path", Schema: stringArg}, {Name: "max_depth", Schema: intArg}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := GetStringArg(args, "path")
			if path == "" {
				path = "."
			}
			depth, ok := GetIntArg(args, "max_depth")
			if !ok {
				depth = -1
			}
			return env.ListDirectory(path, depth)
		},
	}
}
