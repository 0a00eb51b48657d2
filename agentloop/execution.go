package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecutionEnvironment abstracts where file and terminal tools operate.
// Relative paths resolve against WorkingDirectory.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	// DeleteFile reports false when the file does not exist.
	DeleteFile(path string) (bool, error)
	// ListDirectory renders the tree under path as XML. maxDepth < 0 means
	// unlimited; 0 lists only immediate children.
	ListDirectory(path string, maxDepth int) (string, error)
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	WorkingDirectory() string
}

// sensitiveEnvPatterns are suffixes of variables withheld from commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// defaultIgnores are never listed.
var defaultIgnores = []string{"__pycache__/", "scratch/", ".git/"}

// killWaitDelay bounds how long a killed command may keep its output pipes
// open before ExecCommand returns.
const killWaitDelay = 2 * time.Second

// LocalExecutionEnvironment runs tools against a directory on this machine.
type LocalExecutionEnvironment struct {
	workingDir string
}

// NewLocalExecutionEnvironment creates a local environment rooted at
// workingDir, or the process directory when empty.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalExecutionEnvironment{workingDir: workingDir}
}

// Initialize creates the working directory.
func (e *LocalExecutionEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0o755)
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string {
	return e.workingDir
}

func (e *LocalExecutionEnvironment) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalExecutionEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path, content string) error {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// DeleteFile removes path and then its parent directory if that is left
// empty. The working directory itself is never removed.
func (e *LocalExecutionEnvironment) DeleteFile(path string) (bool, error) {
	resolved := e.resolvePath(path)
	if err := os.Remove(resolved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	dir := filepath.Dir(resolved)
	if filepath.Clean(dir) == filepath.Clean(e.workingDir) {
		return true, nil
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return true, nil
}

// ListDirectory renders files before folders at each level, skipping
// defaultIgnores and anything matched by a .gitignore at the root.
func (e *LocalExecutionEnvironment) ListDirectory(path string, maxDepth int) (string, error) {
	root := e.resolvePath(path)
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("list %s: not a directory", path)
	}

	lines := append([]string{}, defaultIgnores...)
	if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	matcher := ignore.CompileIgnoreLines(lines...)

	out := []string{"<directory>"}
	var walk func(dir string, level int) error
	walk = func(dir string, level int) error {
		if maxDepth >= 0 && level > maxDepth {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		indent := strings.Repeat("  ", level+1)

		var dirs []fs.DirEntry
		for _, entry := range entries {
			rel, _ := filepath.Rel(root, filepath.Join(dir, entry.Name()))
			rel = filepath.ToSlash(rel)
			if entry.IsDir() {
				if !matcher.MatchesPath(rel) && !matcher.MatchesPath(rel+"/") {
					dirs = append(dirs, entry)
				}
				continue
			}
			if matcher.MatchesPath(rel) {
				continue
			}
			size := int64(0)
			if fi, err := entry.Info(); err == nil {
				size = fi.Size()
			}
			out = append(out, fmt.Sprintf(`%s<file name="%s" size="%d" />`, indent, html.EscapeString(entry.Name()), size))
		}
		for _, d := range dirs {
			out = append(out, fmt.Sprintf(`%s<folder name="%s">`, indent, html.EscapeString(d.Name())))
			if err := walk(filepath.Join(dir, d.Name()), level+1); err != nil {
				return err
			}
			out = append(out, indent+"</folder>")
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	out = append(out, "</directory>")
	return strings.Join(out, "\n"), nil
}

// ExecCommand runs command through the shell in the working directory with
// sensitive variables removed from its environment. A non-zero exit is not
// an error.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = e.workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = filterEnvironment()
	// Kill the whole group so children holding the output pipes die too.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", err)
		}
	}
	return result, nil
}
