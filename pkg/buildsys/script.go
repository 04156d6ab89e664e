package buildsys

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"
)

// ScriptConfig describes a tasks.star file and what it gets to see
type ScriptConfig struct {
	Filename string
	// Root is the project root; paths starting with "//" are relative to it
	Root string
	// Shell runs the commands passed to execute(). Defaults to a shell in Root.
	Shell   *Shell
	Options map[string]string
	// Predeclared is merged into the script's globals
	Predeclared starlark.StringDict
}

// ScriptOption is declared by option() and set with name=value on the command line
type ScriptOption struct {
	Default string
	Help    string
}

// Script holds what a tasks.star file declared
type Script struct {
	Tasks   TaskList
	Options map[string]ScriptOption
}

type builtinFunc func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

type scriptLoader struct {
	ctx         context.Context
	cfg         ScriptConfig
	dir         string
	options     map[string]ScriptOption
	env         map[string]string
	yamlDocs    map[string]interface{}
	declared    []*Task
	configuring bool
}

// LoadScript runs the top level of the script, then its configure() function which declares the tasks
func LoadScript(ctx context.Context, cfg ScriptConfig) (*Script, error) {
	var err error
	cfg.Root, err = filepath.Abs(cfg.Root)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", cfg.Root)
	}

	cfg.Filename, err = filepath.Abs(cfg.Filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", cfg.Filename)
	}

	if cfg.Shell == nil {
		cfg.Shell = NewShell(cfg.Root)
	}

	l := &scriptLoader{
		ctx:      ctx,
		cfg:      cfg,
		dir:      filepath.Dir(cfg.Filename),
		options:  make(map[string]ScriptOption),
		env:      make(map[string]string),
		yamlDocs: make(map[string]interface{}),
	}

	content, err := os.ReadFile(cfg.Filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", cfg.Filename)
	}

	thread := &starlark.Thread{
		Name: l.displayName(),
		Print: func(_ *starlark.Thread, msg string) {
			log(ctx).Info().Str("script", l.displayName()).Msg(msg)
		},
	}

	globals, err := starlark.ExecFile(thread, l.displayName(), content, l.predeclared())
	if err != nil {
		return nil, l.scriptError(err, "failed to execute")
	}

	if err := l.checkOptions(); err != nil {
		return nil, err
	}

	configure, ok := globals["configure"].(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s must define a configure() function", l.displayName())
	}

	l.configuring = true
	if _, err := starlark.Call(thread, configure, nil, nil); err != nil {
		return nil, l.scriptError(err, "configure() failed")
	}

	tasks := TaskList{}
	for _, task := range l.declared {
		if _, exists := tasks[task.Short]; exists {
			return nil, eris.Errorf("task %s was declared twice in %s", task.Short, l.displayName())
		}

		// setenv() applies to every task unless the task sets the variable itself
		for name, value := range l.env {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}
		tasks[task.Short] = task
	}

	return &Script{Tasks: tasks, Options: l.options}, nil
}

func (l *scriptLoader) predeclared() starlark.StringDict {
	globals := starlark.StringDict{
		"OS":        starlark.String(runtime.GOOS),
		"ARCH":      starlark.String(runtime.GOARCH),
		"info":      starlark.NewBuiltin("info", l.logBuiltin(zerolog.InfoLevel)),
		"warn":      starlark.NewBuiltin("warn", l.logBuiltin(zerolog.WarnLevel)),
		"error":     starlark.NewBuiltin("error", l.fail),
		"option":    starlark.NewBuiltin("option", l.option),
		"getenv":    starlark.NewBuiltin("getenv", l.getenv),
		"setenv":    starlark.NewBuiltin("setenv", l.setenv),
		"read_yaml": starlark.NewBuiltin("read_yaml", l.readYaml),
		"isdir":     starlark.NewBuiltin("isdir", l.statBuiltin(os.FileInfo.IsDir)),
		"isfile":    starlark.NewBuiltin("isfile", l.statBuiltin(func(info os.FileInfo) bool { return info.Mode().IsRegular() })),
		"execute":   starlark.NewBuiltin("execute", l.execute),
		"task":      starlark.NewBuiltin("task", l.task),
	}

	for name, value := range l.cfg.Predeclared {
		globals[name] = value
	}
	return globals
}

func (l *scriptLoader) displayName() string {
	rel, err := filepath.Rel(l.cfg.Root, l.cfg.Filename)
	if err != nil || strings.HasPrefix(rel, "..") {
		return l.cfg.Filename
	}
	return "//" + filepath.ToSlash(rel)
}

// resolve turns a script path into an absolute one. "//" is the project root, anything else is relative to the script.
func (l *scriptLoader) resolve(path string) string {
	switch {
	case strings.HasPrefix(path, "//"):
		return filepath.Join(l.cfg.Root, filepath.FromSlash(path[2:]))
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	default:
		return filepath.Join(l.dir, filepath.FromSlash(path))
	}
}

func (l *scriptLoader) scriptError(err error, msg string) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return eris.Errorf("%s: %s\n%s", l.displayName(), msg, evalErr.Backtrace())
	}
	return eris.Wrapf(err, "%s: %s", l.displayName(), msg)
}

func (l *scriptLoader) checkOptions() error {
	for name := range l.cfg.Options {
		if _, known := l.options[name]; known {
			continue
		}

		names := make([]string, 0, len(l.options))
		for known := range l.options {
			names = append(names, known)
		}
		sort.Strings(names)

		accepted := "no options"
		if len(names) > 0 {
			accepted = strings.Join(names, ", ")
		}
		return eris.Errorf("unknown option %s, %s accepts %s", name, l.displayName(), accepted)
	}
	return nil
}

func (l *scriptLoader) logBuiltin(level zerolog.Level) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg); err != nil {
			return nil, err
		}

		pos := thread.CallFrame(1).Pos
		log(l.ctx).WithLevel(level).
			Str("script", l.displayName()).
			Msgf("line %d: %s", pos.Line, msg)
		return starlark.None, nil
	}
}

func (l *scriptLoader) fail(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	return nil, eris.New(msg)
}

// option(name, default = "", help = "") returns the value passed as name=value or the default
func (l *scriptLoader) option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, defaultValue, help string
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	if l.configuring {
		return nil, eris.New("option() has to be called at the top level of the script")
	}

	l.options[name] = ScriptOption{Default: defaultValue, Help: help}
	if value, ok := l.cfg.Options[name]; ok {
		return starlark.String(value), nil
	}
	return starlark.String(defaultValue), nil
}

// getenv(name, default = "") prefers values set with setenv()
func (l *scriptLoader) getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, defaultValue string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name, &defaultValue); err != nil {
		return nil, err
	}

	if value, ok := l.env[name]; ok {
		return starlark.String(value), nil
	}
	if value, ok := os.LookupEnv(name); ok {
		return starlark.String(value), nil
	}
	return starlark.String(defaultValue), nil
}

// setenv(name, value) sets a variable for execute() and every task of the script
func (l *scriptLoader) setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, value string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &value); err != nil {
		return nil, err
	}

	if !syntax.ValidName(name) {
		return nil, eris.Errorf("%q is not a valid variable name", name)
	}

	l.env[name] = value
	return starlark.None, nil
}

func (l *scriptLoader) statBuiltin(check func(os.FileInfo) bool) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}

		info, err := os.Stat(l.resolve(path))
		return starlark.Bool(err == nil && check(info)), nil
	}
}

// read_yaml(file, key, default = None) looks up a dotted key like "deploy.hosts.0"
func (l *scriptLoader) readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	var defaultValue starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &file, &key, &defaultValue); err != nil {
		return nil, err
	}

	file = l.resolve(file)
	doc, loaded := l.yamlDocs[file]
	if !loaded {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", file)
		}

		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", file)
		}
		l.yamlDocs[file] = doc
	}

	value, found := lookupKey(doc, key)
	if !found {
		return defaultValue, nil
	}
	return toStarlark(value)
}

func lookupKey(doc interface{}, key string) (interface{}, bool) {
	current := doc
	for _, part := range strings.Split(key, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}

	return current, current != nil
}

// toStarlark converts decoded YAML or JSON values
func toStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case float64:
		return starlark.Float(value), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(value))
		for key, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("values of type %T are not supported", value)
}

// execute(command, format = "text", show_error = False) runs a command while the script loads and returns
// its output, or False if it failed
func (l *scriptLoader) execute(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	format := "text"
	showError := false
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &format, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if format != "text" && format != "json" {
		return nil, eris.Errorf("unsupported format %s", format)
	}

	cmd, err := toCommand(fn.Name(), 0, command)
	if err != nil {
		return nil, err
	}

	stmts, err := cmd.ToShellStmts(syntax.NewParser())
	if err != nil {
		return nil, err
	}

	var output strings.Builder
	shell := *l.cfg.Shell
	shell.Stdin = nil
	shell.Stdout = &output
	shell.Stderr = nil
	if showError {
		shell.Stderr = os.Stderr
	}

	session, err := shell.Session(l.dir, l.env)
	if err != nil {
		return nil, err
	}

	for _, stmt := range stmts {
		if err := session.Run(l.ctx, stmt, cmd.Content); err != nil {
			if showError {
				log(l.ctx).Error().Err(err).Str("script", l.displayName()).Msg("execute() failed")
			}
			return starlark.False, nil
		}
	}

	if format == "json" {
		var decoded interface{}
		if err := json.Unmarshal([]byte(output.String()), &decoded); err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}
		return toStarlark(decoded)
	}

	return starlark.String(strings.TrimRight(output.String(), "\n")), nil
}

// task(short = "", desc = "", deps = [], env = {}, cmds = [], base = ".", hidden = False)
// Tasks without a name are hidden and can only be referenced from other tasks' cmds.
func (l *scriptLoader) task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps, cmds *starlark.List
	var env *starlark.Dict
	task := &Task{Base: "."}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short?", &task.Short, "desc?", &task.Desc, "deps?", &deps,
		"env?", &env, "cmds?", &cmds, "base?", &task.Base, "hidden?", &task.Hidden)
	if err != nil {
		return nil, err
	}

	anonymous := task.Short == ""
	if anonymous {
		task.Short = "auto#" + nanoid.New()
		task.Hidden = true
	}
	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task.Base = l.resolve(task.Base)

	if task.Deps, err = stringList(deps, "deps"); err != nil {
		return nil, err
	}
	if task.Env, err = stringDict(env, "env"); err != nil {
		return nil, err
	}

	if cmds != nil {
		for idx := 0; idx < cmds.Len(); idx++ {
			item := cmds.Index(idx)
			if ref, ok := item.(*Task); ok {
				task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: ref})
				continue
			}

			cmd, err := toCommand(task.Short, idx, item)
			if err != nil {
				return nil, eris.Wrapf(err, "task %s: command #%d", task.Short, idx)
			}
			task.Cmds = append(task.Cmds, cmd)
		}
	}

	// anonymous tasks only live on as references
	if !anonymous {
		l.declared = append(l.declared, task)
	}
	return task, nil
}

func stringList(list *starlark.List, field string) ([]string, error) {
	if list == nil {
		return nil, nil
	}

	result := make([]string, list.Len())
	for idx := range result {
		value, ok := starlark.AsString(list.Index(idx))
		if !ok {
			return nil, eris.Errorf("%s must only contain strings but item %d is a %s", field, idx, list.Index(idx).Type())
		}
		result[idx] = value
	}
	return result, nil
}

func stringDict(dict *starlark.Dict, field string) (map[string]string, error) {
	result := make(map[string]string)
	if dict == nil {
		return result, nil
	}

	for _, item := range dict.Items() {
		key, keyOk := starlark.AsString(item[0])
		value, valueOk := starlark.AsString(item[1])
		if !keyOk || !valueOk {
			return nil, eris.Errorf("%s must map strings to strings but found %s: %s", field, item[0].Type(), item[1].Type())
		}
		result[key] = value
	}
	return result, nil
}

// toCommand accepts a shell script string or a sequence of arguments. Leading KEY=value
// arguments become environment assignments for that one command.
func toCommand(taskName string, idx int, value starlark.Value) (TaskCmdScript, error) {
	cmd := TaskCmdScript{TaskName: taskName, Index: idx}

	var parts starlark.Indexable
	switch value := value.(type) {
	case starlark.String:
		cmd.Content = value.GoString()
		return cmd, nil
	case starlark.Tuple:
		parts = value
	case *starlark.List:
		parts = value
	default:
		return cmd, eris.Errorf("unexpected type %s, only strings, tuples, lists and tasks are valid", value.Type())
	}

	call := new(syntax.CallExpr)
	for i := 0; i < parts.Len(); i++ {
		arg, ok := starlark.AsString(parts.Index(i))
		if !ok {
			return cmd, eris.Errorf("argument %d is a %s but only strings are supported", i, parts.Index(i).Type())
		}

		if len(call.Args) == 0 {
			if pos := strings.Index(arg, "="); pos > 0 && syntax.ValidName(arg[:pos]) {
				call.Assigns = append(call.Assigns, &syntax.Assign{
					Name:  &syntax.Lit{Value: arg[:pos]},
					Value: literalWord(arg[pos+1:]),
				})
				continue
			}
		}

		call.Args = append(call.Args, literalWord(arg))
	}

	if len(call.Args) == 0 {
		return cmd, eris.Errorf("command %s has no program, only env vars", value.String())
	}

	var content strings.Builder
	if err := syntax.NewPrinter(syntax.Minify(true)).Print(&content, call); err != nil {
		return cmd, eris.Wrap(err, "failed to render command")
	}
	cmd.Content = content.String()
	return cmd, nil
}
