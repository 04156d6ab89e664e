package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/toolchain"
)

// ScriptName is the optional file with project specific tasks
const ScriptName = "tasks.star"

// loadTasks returns the built-in tasks plus everything declared in tasks.star
func (a *app) loadTasks(ctx context.Context, options map[string]string) (buildsys.TaskList, map[string]buildsys.ScriptOption, error) {
	tasks := a.pipeline.Tasks(a.stdout)

	scriptPath := filepath.Join(a.root, ScriptName)
	if _, err := os.Stat(scriptPath); err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return nil, nil, eris.Wrapf(err, "Failed to check %s", scriptPath)
		}

		if len(options) > 0 {
			return nil, nil, eris.Errorf("options were passed but %s does not exist", scriptPath)
		}
		return tasks, nil, nil
	}

	ctx = buildsys.WithLogger(ctx, &a.logger)
	script, err := buildsys.LoadScript(ctx, buildsys.ScriptConfig{
		Filename:    scriptPath,
		Root:        a.root,
		Shell:       a.shell,
		Options:     options,
		Predeclared: a.scriptGlobals(),
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "Failed to parse %s", ScriptName)
	}

	if err := tasks.Merge(script.Tasks); err != nil {
		return nil, nil, err
	}
	return tasks, script.Options, nil
}

// scriptGlobals exposes the build facts tasks.star may want to reuse
func (a *app) scriptGlobals() starlark.StringDict {
	return starlark.StringDict{
		"TARGET":      starlark.String(toolchain.TargetTriple),
		"BINARY":      starlark.String(a.cfg.Binary),
		"ARTIFACT":    starlark.String(a.pipeline.Artifact()),
		"DESTINATION": starlark.String(a.pipeline.Destination.String()),
	}
}

// splitArgs separates name=value options from task names
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task...> [name=value...]",
		Short: "Run tasks from tasks.star or the built-in ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, options := splitArgs(args)
			if len(names) == 0 {
				return eris.New("no task given")
			}

			tasks, _, err := a.loadTasks(cmd.Context(), options)
			if err != nil {
				return err
			}

			return a.runTasks(cmd.Context(), tasks, names...)
		},
	}
}

func newTasksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List all available tasks and options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, options, err := a.loadTasks(cmd.Context(), nil)
			if err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, "Available tasks:")
			maxNameLen := 0
			sortedNames := make([]string, 0)
			for name, task := range tasks {
				if task.Hidden {
					continue
				}

				if len(name) > maxNameLen {
					maxNameLen = len(name)
				}
				sortedNames = append(sortedNames, name)
			}

			sort.Strings(sortedNames)

			lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
			for _, name := range sortedNames {
				fmt.Fprintf(a.stdout, lineFmt, name+":", tasks[name].Desc)
			}

			if len(options) > 0 {
				fmt.Fprintln(a.stdout, "\nOptions:")
				optionNames := make([]string, 0, len(options))
				for name := range options {
					optionNames = append(optionNames, name)
				}
				sort.Strings(optionNames)

				for _, name := range optionNames {
					fmt.Fprintf(a.stdout, " * %s=%s: %s\n", name, options[name].Default, options[name].Help)
				}
			}

			return nil
		},
	}
}

type planStep struct {
	Task     string            `yaml:"task"`
	Desc     string            `yaml:"desc,omitempty"`
	Deps     []string          `yaml:"deps,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Commands []string          `yaml:"commands,omitempty"`
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <task> [name=value...]",
		Short: "Print the steps a task would run, in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, options := splitArgs(args)
			if len(names) != 1 {
				return eris.New("plan expects exactly one task")
			}

			tasks, _, err := a.loadTasks(cmd.Context(), options)
			if err != nil {
				return err
			}

			plan, err := buildsys.Plan(tasks, names[0])
			if err != nil {
				return err
			}

			steps := make([]planStep, len(plan))
			for idx, task := range plan {
				steps[idx] = planStep{
					Task: task.Short,
					Desc: task.Desc,
					Deps: task.Deps,
					Env:  task.Env,
				}

				for _, item := range task.Cmds {
					steps[idx].Commands = append(steps[idx].Commands, item.Describe())
				}
			}

			encoder := yaml.NewEncoder(a.stdout)
			encoder.SetIndent(2)
			if err := encoder.Encode(steps); err != nil {
				return eris.Wrap(err, "failed to encode plan")
			}
			return encoder.Close()
		},
	}
}
