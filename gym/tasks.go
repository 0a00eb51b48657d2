package gym

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultSuccessCriteria is used when a new task names none.
const DefaultSuccessCriteria = "Task completed successfully"

// EvalCommandName is the executable looked up in evals/<dir_name>/.
const EvalCommandName = "eval"

var (
	ErrTaskFileNotFound = errors.New("task file not found")
	ErrNotArray         = errors.New("task file must contain an array")
)

var taskExtensions = []string{".json", ".yaml", ".yml"}

// Paths locates the runner's working directories.
type Paths struct {
	Tasks string
	Envs  string
	Evals string
	Runs  string
}

// DefaultPaths returns the directories relative to the current directory.
func DefaultPaths() Paths {
	return Paths{Tasks: "tasks", Envs: "envs", Evals: "evals", Runs: "runs"}
}

// Counter hands out experiment numbers that never repeat, even across
// concurrent processes.
type Counter interface {
	NextExperimentNumber(ctx context.Context) (int, error)
}

// ResolveTaskFile accepts a path to a task file or the name of one in the
// tasks directory, with or without its extension.
func (p Paths) ResolveTaskFile(ref string) (string, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return ref, nil
	}
	candidates := []string{filepath.Join(p.Tasks, ref)}
	for _, ext := range taskExtensions {
		candidates = append(candidates, filepath.Join(p.Tasks, ref+ext))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTaskFileNotFound, ref)
}

// TaskName is the task file name without directory and extension.
func TaskName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadTasks reads a JSON or YAML task file. The document must be an array.
func LoadTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTaskFileNotFound, path)
		}
		return nil, err
	}

	var tasks []Task
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("%w: %s", ErrNotArray, path)
		}
		if err := doc.Content[0].Decode(&tasks); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
			return nil, fmt.Errorf("%w: %s", ErrNotArray, path)
		}
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return tasks, nil
}

// WriteTasks writes tasks as an indented JSON array.
func WriteTasks(path string, tasks []Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// TaskID derives an identifier from the first three words of a
// description: lowercased, trailing punctuation stripped, joined by "_".
func TaskID(description string) string {
	words := strings.Fields(strings.ToLower(description))
	if len(words) > 3 {
		words = words[:3]
	}
	for i, w := range words {
		words[i] = strings.Trim(w, ".,!?")
	}
	return strings.ReplaceAll(strings.Join(words, "_"), "-", "_")
}

// NewTask describes a task created from the command line.
type NewTask struct {
	Description string
	Success     string
	// Env names an existing directory under envs/ to clone for the task.
	Env string
	// Eval is the path of an evaluation command to install for the task.
	Eval string
}

// CreateTask writes a single-task file tasks/task_NNN_<id>.json and returns
// its path. With an evaluation command the task gets its own dir_name,
// <id>_<n>, unless Env names one, and the command is copied to
// evals/<dir_name>/eval. A missing evaluation command is only a warning.
func CreateTask(ctx context.Context, paths Paths, counter Counter, nt NewTask, log zerolog.Logger) (string, Task, error) {
	id := TaskID(nt.Description)
	task := Task{
		TaskID:          id,
		Task:            nt.Description,
		SuccessCriteria: nt.Success,
		DirName:         nt.Env,
	}
	if task.SuccessCriteria == "" {
		task.SuccessCriteria = DefaultSuccessCriteria
	}
	if err := task.Validate(); err != nil {
		return "", Task{}, err
	}

	if nt.Eval != "" {
		if task.DirName == "" {
			n, err := counter.NextExperimentNumber(ctx)
			if err != nil {
				return "", Task{}, err
			}
			task.DirName = fmt.Sprintf("%s_%d", id, n)
		}
		if err := installEval(paths, task.DirName, nt.Eval, log); err != nil {
			return "", Task{}, err
		}
	}

	n, err := counter.NextExperimentNumber(ctx)
	if err != nil {
		return "", Task{}, err
	}
	path := filepath.Join(paths.Tasks, fmt.Sprintf("task_%03d_%s.json", n, id))
	if err := WriteTasks(path, []Task{task}); err != nil {
		return "", Task{}, fmt.Errorf("write task file: %w", err)
	}
	log.Info().Str("path", path).Msg("created task file")
	return path, task, nil
}

func installEval(paths Paths, dirName, source string, log zerolog.Logger) error {
	dir := filepath.Join(paths.Evals, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(source)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", source).Msg("evaluation command not found")
		return nil
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, EvalCommandName)
	if err := os.WriteFile(dst, data, 0o755); err != nil {
		return err
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		return err
	}
	log.Info().Str("path", dst).Msg("installed evaluation command")
	return nil
}
