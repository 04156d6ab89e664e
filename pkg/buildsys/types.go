package buildsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

// TaskCmd is one step of a task
type TaskCmd interface {
	// Describe returns the line that is logged before the step runs
	Describe() string
}

// TaskCmdScript is shell code. Statements run one by one in a session that lives as long as the task.
type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) Describe() string {
	return s.Content
}

// ToShellStmts parses Content. The task name and index show up in syntax errors.
func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	file, err := parser.Parse(strings.NewReader(s.Content), fmt.Sprintf("%s#%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}
	return file.Stmts, nil
}

// TaskCmdTaskRef runs another task in place, unless it already ran
type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) Describe() string {
	return "task " + t.Task.Short
}

// TaskCmdFunc runs Go code as part of a task. Desc is what dry runs and plans print instead.
type TaskCmdFunc struct {
	Desc string
	Fn   func(ctx context.Context) error
}

func (f TaskCmdFunc) Describe() string {
	return f.Desc
}

// Task is a node in the build graph
type Task struct {
	Short string
	Desc  string
	// Base is the directory script commands run in
	Base string
	Deps []string
	Env  map[string]string
	Cmds []TaskCmd
	// Hidden tasks are left out of listings
	Hidden bool
}

// TaskList maps task names to tasks
type TaskList map[string]*Task

// Merge adds all tasks from other. Names that are already taken are an error.
func (l TaskList) Merge(other TaskList) error {
	for name, task := range other {
		if _, exists := l[name]; exists {
			return eris.Errorf(`the task name "%s" is reserved, please use a different name`, name)
		}
		l[name] = task
	}
	return nil
}

// *Task is a starlark.Value so scripts can pass tasks around and reference them in cmds

var _ starlark.Value = (*Task)(nil)

func (t *Task) String() string {
	return fmt.Sprintf("<task %s>", t.Short)
}

func (t *Task) Type() string {
	return "task"
}

// Freeze is a no-op, scripts can't modify tasks
func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

func (t *Task) Hash() (uint32, error) {
	return starlark.String(t.Short).Hash()
}
