// Package pipeline combines the toolchain, revision and deploy steps into griddy's task graph.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/deploy"
	"github.com/griddy/build-tools/pkg/revision"
	"github.com/griddy/build-tools/pkg/toolchain"
)

// Names of the built-in tasks
const (
	TaskLint      = "lint"
	TaskTest      = "test"
	TaskBuild     = "build"
	TaskRevision  = "revision"
	TaskDeploy    = "deploy"
	TaskDeployRev = "deploy-rev"
)

// Pipeline holds everything the built-in steps need. All commands run in Root.
type Pipeline struct {
	Root        string
	Toolchain   toolchain.Toolchain
	Shell       *buildsys.Shell
	Destination deploy.Destination
	Transport   deploy.Transport
	// Git is the executable used for the revision lookup
	Git string
}

// Artifact returns the path of the release binary. It doesn't depend on the revision.
func (p *Pipeline) Artifact() string {
	return p.Toolchain.ArtifactPath(p.Root)
}

func describe(env map[string]string, args []string) string {
	cmd := buildsys.FormatCommand(args...)
	if len(env) == 0 {
		return cmd
	}
	return buildsys.FormatEnv(env) + " " + cmd
}

// Lint runs clippy over the workspace. The exit status is passed through unmodified.
func (p *Pipeline) Lint(ctx context.Context) error {
	if err := p.Shell.Run(ctx, nil, p.Toolchain.LintArgs()...); err != nil {
		return &LintError{Err: err}
	}
	return nil
}

// Test runs the workspace tests. The exit status is passed through unmodified.
func (p *Pipeline) Test(ctx context.Context) error {
	if err := p.Shell.Run(ctx, nil, p.Toolchain.TestArgs()...); err != nil {
		return &TestError{Err: err}
	}
	return nil
}

// Build produces the statically linked release binary
func (p *Pipeline) Build(ctx context.Context) error {
	if err := p.Shell.Run(ctx, p.Toolchain.BuildEnv(), p.Toolchain.BuildArgs()...); err != nil {
		return &CompileError{Err: err}
	}

	buildsys.Log(ctx).Debug().Str("artifact", p.Artifact()).Msg("Build finished")
	return nil
}

// Revision looks up the short id of the checked out commit
func (p *Pipeline) Revision(ctx context.Context) (revision.Revision, error) {
	return revision.Lookup(ctx, p.Shell, p.Git)
}

// DestinationFor returns where an artifact is deployed to in the given mode.
// ModeRevision requires rev; there is no fallback to the plain destination.
func (p *Pipeline) DestinationFor(mode deploy.Mode, rev revision.Revision) (deploy.Destination, error) {
	switch mode {
	case deploy.ModePlain:
		return p.Destination, nil
	case deploy.ModeRevision:
		if rev == "" {
			return deploy.Destination{}, eris.New("a revision is required to deploy in revision mode")
		}
		return p.Destination.WithRevision(rev), nil
	}

	return deploy.Destination{}, eris.Errorf("unknown deploy mode %q", mode)
}

// Deploy copies the current artifact. It does not build; the deploy tasks depend on build for that.
func (p *Pipeline) Deploy(ctx context.Context, mode deploy.Mode, rev revision.Revision) error {
	dest, err := p.DestinationFor(mode, rev)
	if err != nil {
		return err
	}

	return deploy.Deploy(ctx, p.Transport, p.Artifact(), dest)
}

func (p *Pipeline) printRevision(out io.Writer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		rev, err := p.Revision(ctx)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, rev)
		return err
	}
}

// Tasks returns the built-in task graph. The revision task prints to out.
func (p *Pipeline) Tasks(out io.Writer) buildsys.TaskList {
	revisionDesc := buildsys.FormatCommand(p.gitArgs()...)
	build := p.Toolchain

	return buildsys.TaskList{
		TaskLint: {
			Short: TaskLint,
			Desc:  "Run clippy on the whole workspace including tests",
			Base:  p.Root,
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{Desc: describe(nil, build.LintArgs()), Fn: p.Lint},
			},
		},
		TaskTest: {
			Short: TaskTest,
			Desc:  "Run all workspace tests",
			Base:  p.Root,
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{Desc: describe(nil, build.TestArgs()), Fn: p.Test},
			},
		},
		TaskBuild: {
			Short: TaskBuild,
			Desc:  fmt.Sprintf("Build a static release binary for %s", toolchain.TargetTriple),
			Base:  p.Root,
			Env:   build.BuildEnv(),
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{Desc: describe(build.BuildEnv(), build.BuildArgs()), Fn: p.Build},
			},
		},
		TaskRevision: {
			Short: TaskRevision,
			Desc:  "Print the short id of the current commit",
			Base:  p.Root,
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{Desc: revisionDesc, Fn: p.printRevision(out)},
			},
		},
		TaskDeploy: {
			Short: TaskDeploy,
			Desc:  fmt.Sprintf("Build and copy the binary to %s", p.Destination),
			Base:  p.Root,
			Deps:  []string{TaskBuild},
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{
					Desc: p.Transport.Describe(p.Artifact(), p.Destination),
					Fn: func(ctx context.Context) error {
						return p.Deploy(ctx, deploy.ModePlain, "")
					},
				},
			},
		},
		TaskDeployRev: {
			Short: TaskDeployRev,
			Desc:  fmt.Sprintf("Build and copy the binary to %s.<revision>", p.Destination),
			Base:  p.Root,
			Deps:  []string{TaskBuild},
			Cmds: []buildsys.TaskCmd{
				buildsys.TaskCmdFunc{
					Desc: strings.Join([]string{
						revisionDesc,
						p.Transport.Describe(p.Artifact(), p.Destination.WithRevision("<revision>")),
					}, " && "),
					Fn: func(ctx context.Context) error {
						rev, err := p.Revision(ctx)
						if err != nil {
							return err
						}
						return p.Deploy(ctx, deploy.ModeRevision, rev)
					},
				},
			},
		},
	}
}

// DeployTask returns the name of the deploy task for mode
func DeployTask(mode deploy.Mode) string {
	if mode == deploy.ModeRevision {
		return TaskDeployRev
	}
	return TaskDeploy
}

func (p *Pipeline) gitArgs() []string {
	git := p.Git
	if git == "" {
		git = "git"
	}
	return []string{git, "rev-parse", "HEAD"}
}
