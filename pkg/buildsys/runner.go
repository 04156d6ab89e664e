package buildsys

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/syntax"
)

// Runner executes tasks from a TaskList
type Runner struct {
	Tasks TaskList
	Shell *Shell
	// DryRun only logs the commands, nothing is executed
	DryRun bool
}

type runState struct {
	// false while the task is running, true once it finished
	runTasks map[string]bool
}

// RunTask executes the named task after all of its dependencies. Every task runs at most once per call.
func (r *Runner) RunTask(ctx context.Context, name string) error {
	return r.RunTasks(ctx, name)
}

// RunTasks runs the named tasks in order. Tasks shared between them, including dependencies, run only once.
func (r *Runner) RunTasks(ctx context.Context, names ...string) error {
	tasks := make([]*Task, len(names))
	for idx, name := range names {
		task, found := r.Tasks[name]
		if !found {
			return eris.Errorf("Task %s not found", name)
		}
		tasks[idx] = task
	}

	state := &runState{runTasks: make(map[string]bool)}
	for _, task := range tasks {
		if err := r.runTaskInternal(ctx, state, task); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runTaskInternal(ctx context.Context, state *runState, task *Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status, ok := state.runTasks[task.Short]
	if ok {
		if status {
			// this task has already been run
			log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Short)
	}

	state.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := r.Tasks[dep]
		if !ok {
			return eris.Errorf("Task %s not found", dep)
		}

		err := r.runTaskInternal(ctx, state, depTask)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}
	var session *Session

	for idx, item := range task.Cmds {
		switch cmd := item.(type) {
		case TaskCmdScript:
			stmts, err := cmd.ToShellStmts(parser)
			if err != nil {
				return eris.Wrap(err, "failed to parse shell script")
			}

			for _, stm := range stmts {
				strBuffer.Reset()
				if err := printer.Print(&strBuffer, stm); err != nil {
					return eris.Wrapf(err, "failed to print command #%d", idx)
				}
				logCommand(ctx, task, strBuffer.String())

				if r.DryRun {
					continue
				}

				if session == nil {
					session, err = r.shell().Session(task.Base, task.Env)
					if err != nil {
						return err
					}
				}

				err = session.Run(ctx, stm, strBuffer.String())
				if err != nil {
					return err
				}

				if session.Exited() {
					state.runTasks[task.Short] = true
					return nil
				}
			}
		case TaskCmdTaskRef:
			err := r.runTaskInternal(ctx, state, cmd.Task)
			if err != nil {
				return err
			}
		case TaskCmdFunc:
			logCommand(ctx, task, cmd.Describe())

			if !r.DryRun {
				err := cmd.Fn(ctx)
				if err != nil {
					return err
				}
			}
		default:
			return eris.Errorf("unexpected task command %+v", item)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	state.runTasks[task.Short] = true
	return nil
}

func (r *Runner) shell() *Shell {
	if r.Shell == nil {
		return NewShell(".")
	}
	return r.Shell
}

func logCommand(ctx context.Context, task *Task, line string) {
	log(ctx).Info().
		Str("task", task.Short).
		Bool("command", true).
		Msg(line)
}

// Plan returns the tasks in the order RunTask would start them without running anything
func Plan(tasks TaskList, name string) ([]*Task, error) {
	task, found := tasks[name]
	if !found {
		return nil, eris.Errorf("Task %s not found", name)
	}

	state := make(map[string]bool)
	result := make([]*Task, 0)

	var visit func(task *Task) error
	visit = func(task *Task) error {
		if done, seen := state[task.Short]; seen {
			if done {
				return nil
			}
			return eris.Errorf("Task %s was called recursively", task.Short)
		}
		state[task.Short] = false

		for _, dep := range task.Deps {
			depTask, ok := tasks[dep]
			if !ok {
				return eris.Errorf("Task %s not found", dep)
			}

			if err := visit(depTask); err != nil {
				return err
			}
		}

		result = append(result, task)
		for _, item := range task.Cmds {
			if ref, ok := item.(TaskCmdTaskRef); ok {
				if err := visit(ref.Task); err != nil {
					return err
				}
			}
		}

		state[task.Short] = true
		return nil
	}

	if err := visit(task); err != nil {
		return nil, err
	}
	return result, nil
}
