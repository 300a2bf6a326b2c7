package models

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Task identifies one unit of download work: a named input list that the
// download script consumes.
type Task struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Stem returns the task name without its .txt extension.
// It prefixes the task's run log artifacts.
func (t Task) Stem() string {
	return strings.TrimSuffix(t.Name, ".txt")
}

// TaskList is the ordered set of tasks processed on every run.
// It is built once at startup and never mutated afterwards.
type TaskList struct {
	tasks []Task
}

// NewTaskList resolves each name against configDir, preserving order.
func NewTaskList(configDir string, names ...string) (TaskList, error) {
	if len(names) == 0 {
		return TaskList{}, errors.New("task list is empty")
	}

	seen := make(map[string]struct{}, len(names))
	tasks := make([]Task, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return TaskList{}, errors.New("task name must not be empty")
		}
		if filepath.Base(name) != name {
			return TaskList{}, errors.Newf("task name %q must be a plain file name", name)
		}
		if _, dup := seen[name]; dup {
			return TaskList{}, errors.Newf("duplicate task %q", name)
		}
		seen[name] = struct{}{}
		tasks = append(tasks, Task{Name: name, Path: filepath.Join(configDir, name)})
	}
	return TaskList{tasks: tasks}, nil
}

// Tasks returns a copy of the tasks in configured order.
func (l TaskList) Tasks() []Task {
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// Names returns the task names in configured order.
func (l TaskList) Names() []string {
	names := make([]string, len(l.tasks))
	for i, t := range l.tasks {
		names[i] = t.Name
	}
	return names
}

func (l TaskList) Len() int {
	return len(l.tasks)
}
