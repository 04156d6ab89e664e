// Package cmd implements the gtask command line
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/interp"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/config"
	"github.com/griddy/build-tools/pkg/deploy"
	"github.com/griddy/build-tools/pkg/pipeline"
	"github.com/griddy/build-tools/pkg/toolchain"
)

// rootMarkers identify the project root, checked in this order in each directory
var rootMarkers = []string{config.FileName, "tasks.star", ".git"}

// app is the state shared by all subcommands of one invocation
type app struct {
	stdout io.Writer
	stderr io.Writer
	// execHandler replaces the shell's exec handler when set
	execHandler interp.ExecHandlerFunc

	configFile string
	rootFlag   string
	logLevel   string
	dryRun     bool

	root     string
	cfg      *config.Config
	logger   zerolog.Logger
	shell    *buildsys.Shell
	pipeline *pipeline.Pipeline
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gtask",
		Short: "Build, test and deploy griddy",
		Long: `gtask builds a statically linked release binary of griddy and copies it to the deployment host.
Without a subcommand it runs the build. Additional tasks can be declared in a tasks.star file.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTasks(cmd.Context(), a.pipeline.Tasks(a.stdout), pipeline.TaskBuild)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default is gtask.toml in the project root)")
	flags.StringVar(&a.rootFlag, "root", "", "project root (default is the closest parent with gtask.toml, tasks.star or .git)")
	flags.BoolVarP(&a.dryRun, "dry", "n", false, "dry run; only print the commands, don't execute anything")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn or error)")

	rootCmd.AddCommand(
		newPassthroughCmd(a, pipeline.TaskLint, "Run clippy on the whole workspace"),
		newPassthroughCmd(a, pipeline.TaskTest, "Run all workspace tests"),
		newPassthroughCmd(a, pipeline.TaskBuild, "Build the static release binary"),
		newDeployCmd(a),
		newRevisionCmd(a),
		newPlanCmd(a),
		newRunCmd(a),
		newTasksCmd(a),
	)

	return rootCmd
}

// findRoot walks up from dir until it finds one of the root markers. dir itself is returned if there is none.
func findRoot(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrapf(err, "failed to resolve %s", dir)
	}

	for {
		for _, marker := range rootMarkers {
			_, err := os.Stat(filepath.Join(path, marker))
			if err == nil {
				return path, nil
			}
			if !eris.Is(err, os.ErrNotExist) {
				return "", eris.Wrapf(err, "Failed to check %s", filepath.Join(path, marker))
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Abs(dir)
		}
		path = parent
	}
}

func (a *app) setup() error {
	var err error
	if a.rootFlag != "" {
		a.root, err = filepath.Abs(a.rootFlag)
	} else {
		var wd string
		wd, err = os.Getwd()
		if err != nil {
			return eris.Wrap(err, "Failed to retrieve the current working directory")
		}
		a.root, err = findRoot(wd)
	}
	if err != nil {
		return err
	}

	a.cfg, err = config.Load(a.root, a.configFile)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		if err := a.cfg.SetLogLevel(a.logLevel); err != nil {
			return err
		}
	}

	a.logger = newLogger(a.stderr, a.cfg.LogLevel(), a.cfg.Log.JSON, isTerminal(a.stderr))
	a.logger.Debug().Str("root", a.root).Msg("Project root")

	a.shell = &buildsys.Shell{
		Dir:         a.root,
		Stdin:       os.Stdin,
		Stdout:      a.stdout,
		Stderr:      a.stderr,
		ExecHandler: a.execHandler,
	}

	dest, err := deploy.ParseDestination(a.cfg.Deploy.Destination)
	if err != nil {
		return err
	}

	a.pipeline = &pipeline.Pipeline{
		Root:        a.root,
		Toolchain:   toolchain.New(a.cfg.Toolchain.Cargo, a.cfg.Binary, a.cfg.TargetDir),
		Shell:       a.shell,
		Destination: dest,
		Transport:   a.transport(),
		Git:         a.cfg.Toolchain.Git,
	}
	return nil
}

func (a *app) transport() deploy.Transport {
	if a.cfg.Deploy.Transport == "sftp" {
		sftpCfg := a.cfg.Deploy.SFTP
		return &deploy.SFTPTransport{
			Address:      sftpCfg.Address,
			User:         sftpCfg.User,
			IdentityFile: sftpCfg.IdentityFile,
			KnownHosts:   sftpCfg.KnownHosts,
			Progress:     a.cfg.Deploy.Progress,
		}
	}

	return &deploy.ScpTransport{Shell: a.shell, Scp: a.cfg.Deploy.Scp}
}

func (a *app) runTasks(ctx context.Context, tasks buildsys.TaskList, names ...string) error {
	ctx = buildsys.WithLogger(ctx, &a.logger)
	runner := &buildsys.Runner{
		Tasks:  tasks,
		Shell:  a.shell,
		DryRun: a.dryRun,
	}
	return runner.RunTasks(ctx, names...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// run executes the command line and returns the process' exit status
func run(ctx context.Context, args []string, stdout, stderr io.Writer, execHandler interp.ExecHandlerFunc) int {
	a := &app{
		stdout:      stdout,
		stderr:      stderr,
		execHandler: execHandler,
		logger:      newLogger(stderr, zerolog.InfoLevel, false, isTerminal(stderr)),
	}

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	// the tool already reported the problem, just pass its status on
	if status, ok := buildsys.ExitStatus(err); ok {
		a.logger.Debug().Err(err).Msgf("Exiting with status %d", status)
		return status
	}

	a.logger.Error().Err(err).Msg("gtask failed")
	return 1
}

// Execute runs gtask with the process' arguments and exits
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	status := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	stop()
	os.Exit(status)
}
