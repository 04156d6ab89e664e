package buildsys

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExitError reports that a command ran but exited with a non-zero status
type ExitError struct {
	Command string
	Status  uint8
}

var _ error = (*ExitError)(nil)

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Status)
}

// ExitStatus returns the exit status carried somewhere in err's chain
func ExitStatus(err error) (int, bool) {
	var exitErr *ExitError
	if eris.As(err, &exitErr) {
		return int(exitErr.Status), true
	}
	return 0, false
}

// Shell runs commands through the embedded POSIX shell interpreter
type Shell struct {
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// ExecHandler replaces the handler that starts external programs. Tests use it to fake tools.
	ExecHandler interp.ExecHandlerFunc
}

// NewShell returns a Shell that runs in dir and is connected to the process' stdio
func NewShell(dir string) *Shell {
	return &Shell{
		Dir:    dir,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// mergeEnv returns base with every variable in overrides replaced. Overrides are applied verbatim.
func mergeEnv(base []string, overrides map[string]string) []string {
	result := make([]string, 0, len(base)+len(overrides))
	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		name := parts[0]
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}

		// skip overriden entries to avoid conflicts
		if _, present := overrides[name]; !present {
			result = append(result, item)
		}
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result = append(result, fmt.Sprintf("%s=%s", name, overrides[name]))
	}

	return result
}

func (s *Shell) newRunner(dir string, env map[string]string, stdout io.Writer) (*interp.Runner, error) {
	execHandler := s.ExecHandler
	if execHandler == nil {
		execHandler = defaultExecHandler
	}

	if dir == "" {
		dir = s.Dir
	}
	if dir == "" {
		dir = "."
	}

	return interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(mergeEnv(os.Environ(), env)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(s.Stdin, stdout, s.Stderr),
		interp.Params("-e"),
	)
}

func (s *Shell) run(ctx context.Context, runner *interp.Runner, node syntax.Node, desc string) error {
	err := runner.Run(ctx, node)
	if err == nil {
		return nil
	}

	if status, ok := interp.IsExitStatus(err); ok {
		return &ExitError{Command: desc, Status: status}
	}

	return eris.Wrapf(err, "failed to run %s", desc)
}

// RunScript parses script as a shell program and runs it. name is used in parser errors.
func (s *Shell) RunScript(ctx context.Context, name string, env map[string]string, script string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), name)
	if err != nil {
		return eris.Wrapf(err, "failed to parse command %s", script)
	}

	runner, err := s.newRunner("", env, s.Stdout)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	return s.run(ctx, runner, file, script)
}

// Session keeps shell state such as variables and the working directory across several statements
type Session struct {
	shell  *Shell
	runner *interp.Runner
}

// Session starts a new interpreter in dir (the shell's own directory if empty) with the given env overrides
func (s *Shell) Session(dir string, env map[string]string) (*Session, error) {
	runner, err := s.newRunner(dir, env, s.Stdout)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to initialize runner")
	}

	return &Session{shell: s, runner: runner}, nil
}

// Run executes a single statement. desc is used in error messages.
func (s *Session) Run(ctx context.Context, stmt *syntax.Stmt, desc string) error {
	return s.shell.run(ctx, s.runner, stmt, desc)
}

// Exited reports whether the script called exit
func (s *Session) Exited() bool {
	return s.runner.Exited()
}

// Run executes a single command. args are passed as-is; nothing is expanded or split.
func (s *Shell) Run(ctx context.Context, env map[string]string, args ...string) error {
	return s.runArgs(ctx, env, s.Stdout, args)
}

// Output runs the command like Run and returns what it wrote to stdout
func (s *Shell) Output(ctx context.Context, env map[string]string, args ...string) (string, error) {
	var buf bytes.Buffer
	err := s.runArgs(ctx, env, &buf, args)
	return buf.String(), err
}

func (s *Shell) runArgs(ctx context.Context, env map[string]string, stdout io.Writer, args []string) error {
	if len(args) == 0 {
		return eris.New("no command given")
	}

	runner, err := s.newRunner("", env, stdout)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	return s.run(ctx, runner, CommandStmt(args...), FormatCommand(args...))
}

// CommandStmt builds the shell statement for a plain command invocation
func CommandStmt(args ...string) *syntax.Stmt {
	call := new(syntax.CallExpr)
	call.Args = make([]*syntax.Word, len(args))
	for idx, arg := range args {
		call.Args[idx] = literalWord(arg)
	}

	return &syntax.Stmt{Cmd: call}
}

// FormatCommand renders args the way a shell would need them typed
func FormatCommand(args ...string) string {
	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&strBuffer, CommandStmt(args...)); err != nil {
		return strings.Join(args, " ")
	}

	return strings.TrimSpace(strBuffer.String())
}

// FormatEnv renders the env overrides as shell assignments in a stable order
func FormatEnv(env map[string]string) string {
	parts := mergeEnv(nil, env)
	for idx, item := range parts {
		pos := strings.Index(item, "=")
		parts[idx] = item[:pos+1] + quoteValue(item[pos+1:])
	}

	return strings.Join(parts, " ")
}

const shellSpecialChars = " \t\n$'\"\\`*?[]{}()<>|&;#~"

func quoteValue(value string) string {
	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&strBuffer, literalWord(value)); err != nil {
		return value
	}
	return strBuffer.String()
}

func literalWord(value string) *syntax.Word {
	var wordPart syntax.WordPart

	switch {
	case value == "":
		wordPart = &syntax.SglQuoted{}
	case !strings.ContainsAny(value, shellSpecialChars):
		wordPart = &syntax.Lit{Value: value}
	case !strings.Contains(value, "'"):
		wordPart = &syntax.SglQuoted{Value: value}
	default:
		escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
		wordPart = &syntax.SglQuoted{Dollar: true, Value: escaped}
	}

	return &syntax.Word{Parts: []syntax.WordPart{wordPart}}
}
