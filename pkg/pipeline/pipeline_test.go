package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/interp"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/deploy"
	"github.com/griddy/build-tools/pkg/revision"
	"github.com/griddy/build-tools/pkg/toolchain"
)

const headCommit = "abcdef1234567890abcdef1234567890abcdef12\n"

// fakeProject pretends to be cargo, git and scp for a project in a temp dir
type fakeProject struct {
	root      string
	calls     []string
	rustflags []string
	cargo     map[string]uint8
	gitStatus uint8
	head      string
}

func newFakeProject(t *testing.T) *fakeProject {
	return &fakeProject{root: t.TempDir(), cargo: map[string]uint8{}, head: headCommit}
}

func (f *fakeProject) handler(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	f.calls = append(f.calls, strings.Join(args, " "))

	switch args[0] {
	case "cargo":
		if status := f.cargo[args[1]]; status != 0 {
			return interp.NewExitStatus(status)
		}

		if args[1] == "build" {
			f.rustflags = append(f.rustflags, hc.Env.Get("RUSTFLAGS").String())
			artifact := filepath.Join(f.root, "target", toolchain.TargetTriple, "release", "griddy")
			if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
				return err
			}
			return os.WriteFile(artifact, []byte("griddy"), 0o755)
		}
	case "git":
		fmt.Fprint(hc.Stdout, f.head)
		if f.gitStatus != 0 {
			return interp.NewExitStatus(f.gitStatus)
		}
	}

	return nil
}

func (f *fakeProject) pipeline() *Pipeline {
	shell := &buildsys.Shell{
		Dir:         f.root,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		ExecHandler: f.handler,
	}

	return &Pipeline{
		Root:        f.root,
		Toolchain:   toolchain.New("", "", ""),
		Shell:       shell,
		Destination: deploy.Destination{Host: "woods", Path: "bin/griddy"},
		Transport:   &deploy.ScpTransport{Shell: shell},
	}
}

func (f *fakeProject) run(t *testing.T, task string) (string, error) {
	var out bytes.Buffer
	p := f.pipeline()
	runner := &buildsys.Runner{Tasks: p.Tasks(&out), Shell: p.Shell}
	err := runner.RunTask(context.Background(), task)
	return out.String(), err
}

func (f *fakeProject) artifact() string {
	return filepath.Join(f.root, "target", "x86_64-unknown-linux-gnu", "release", "griddy")
}

func TestDeployBuildsFirst(t *testing.T) {
	f := newFakeProject(t)
	_, err := f.run(t, TaskDeploy)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"cargo build --release --target x86_64-unknown-linux-gnu",
		"scp -C " + f.artifact() + " woods:bin/griddy",
	}, f.calls)
	assert.Equal(t, []string{"-C target-feature=+crt-static"}, f.rustflags)
}

func TestBuildOverridesInheritedRustflags(t *testing.T) {
	t.Setenv("RUSTFLAGS", "-C prefer-dynamic")

	f := newFakeProject(t)
	_, err := f.run(t, TaskBuild)
	require.NoError(t, err)
	assert.Equal(t, []string{"-C target-feature=+crt-static"}, f.rustflags)
}

func TestDeployNeverTransfersAfterFailedBuild(t *testing.T) {
	for _, task := range []string{TaskDeploy, TaskDeployRev} {
		t.Run(task, func(t *testing.T) {
			f := newFakeProject(t)
			f.cargo["build"] = 101

			_, err := f.run(t, task)
			require.Error(t, err)

			var compileErr *CompileError
			assert.True(t, eris.As(err, &compileErr))

			code, ok := buildsys.ExitStatus(err)
			require.True(t, ok)
			assert.Equal(t, 101, code)

			assert.Equal(t, []string{"cargo build --release --target x86_64-unknown-linux-gnu"}, f.calls)
		})
	}
}

func TestDeployWithRevision(t *testing.T) {
	f := newFakeProject(t)
	_, err := f.run(t, TaskDeployRev)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"cargo build --release --target x86_64-unknown-linux-gnu",
		"git rev-parse HEAD",
		"scp -C " + f.artifact() + " woods:bin/griddy.abcdef1",
	}, f.calls)
}

func TestDeployWithRevisionRequiresHistory(t *testing.T) {
	f := newFakeProject(t)
	f.head = "fatal: not a git repository\n"
	f.gitStatus = 128

	_, err := f.run(t, TaskDeployRev)
	require.Error(t, err)

	var lookupErr *revision.LookupError
	assert.True(t, eris.As(err, &lookupErr))

	// no silent fallback to the unsuffixed destination
	for _, call := range f.calls {
		assert.False(t, strings.HasPrefix(call, "scp"), call)
	}
}

func TestTransferFailure(t *testing.T) {
	f := newFakeProject(t)
	p := f.pipeline()
	p.Transport = &deploy.ScpTransport{Shell: p.Shell, Scp: "scp-fail"}
	p.Shell.ExecHandler = func(ctx context.Context, args []string) error {
		if args[0] == "scp-fail" {
			return interp.NewExitStatus(1)
		}
		return f.handler(ctx, args)
	}

	runner := &buildsys.Runner{Tasks: p.Tasks(io.Discard), Shell: p.Shell}
	err := runner.RunTask(context.Background(), TaskDeploy)

	var transferErr *deploy.TransferError
	require.True(t, eris.As(err, &transferErr))
	code, ok := buildsys.ExitStatus(err)
	require.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestLintAndTestPassExitStatusThrough(t *testing.T) {
	cases := []struct {
		task   string
		arg    string
		cmd    string
		status uint8
	}{
		{TaskLint, "clippy", "cargo clippy --workspace --tests", 0},
		{TaskLint, "clippy", "cargo clippy --workspace --tests", 101},
		{TaskTest, "test", "cargo test --workspace", 0},
		{TaskTest, "test", "cargo test --workspace", 101},
		{TaskTest, "test", "cargo test --workspace", 3},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%d", tc.task, tc.status), func(t *testing.T) {
			f := newFakeProject(t)
			f.cargo[tc.arg] = tc.status

			_, err := f.run(t, tc.task)
			assert.Equal(t, []string{tc.cmd}, f.calls)

			if tc.status == 0 {
				assert.NoError(t, err)
				return
			}

			code, ok := buildsys.ExitStatus(err)
			require.True(t, ok)
			assert.Equal(t, int(tc.status), code)

			if tc.task == TaskLint {
				var lintErr *LintError
				assert.True(t, eris.As(err, &lintErr))
			} else {
				var testErr *TestError
				assert.True(t, eris.As(err, &testErr))
			}
		})
	}
}

func TestRevisionTaskPrints(t *testing.T) {
	f := newFakeProject(t)
	out, err := f.run(t, TaskRevision)
	require.NoError(t, err)
	assert.Equal(t, "abcdef1\n", out)
}

func TestArtifactIndependentOfRevision(t *testing.T) {
	f := newFakeProject(t)
	p := f.pipeline()
	before := p.Artifact()

	f.head = "0000000aaaaaaa\n"
	_, err := f.run(t, TaskDeployRev)
	require.NoError(t, err)
	f.head = "1111111bbbbbbb\n"
	_, err = f.run(t, TaskDeployRev)
	require.NoError(t, err)

	assert.Equal(t, before, p.Artifact())
	assert.Equal(t, f.artifact(), before)
	assert.Contains(t, f.calls, "scp -C "+before+" woods:bin/griddy.0000000")
	assert.Contains(t, f.calls, "scp -C "+before+" woods:bin/griddy.1111111")
}

func TestDestinationFor(t *testing.T) {
	p := newFakeProject(t).pipeline()

	dest, err := p.DestinationFor(deploy.ModePlain, "abcdef1")
	require.NoError(t, err)
	assert.Equal(t, "woods:bin/griddy", dest.String())

	dest, err = p.DestinationFor(deploy.ModeRevision, "abcdef1")
	require.NoError(t, err)
	assert.Equal(t, "woods:bin/griddy.abcdef1", dest.String())

	_, err = p.DestinationFor(deploy.ModeRevision, "")
	assert.Error(t, err)
}

func TestDryRunDescribesCommands(t *testing.T) {
	f := newFakeProject(t)
	p := f.pipeline()
	tasks := p.Tasks(io.Discard)

	runner := &buildsys.Runner{Tasks: tasks, Shell: p.Shell, DryRun: true}
	require.NoError(t, runner.RunTask(context.Background(), TaskDeployRev))
	assert.Empty(t, f.calls)

	assert.Equal(t,
		"RUSTFLAGS='-C target-feature=+crt-static' cargo build --release --target x86_64-unknown-linux-gnu",
		tasks[TaskBuild].Cmds[0].Describe())
	assert.Equal(t,
		"git rev-parse HEAD && scp -C "+f.artifact()+" 'woods:bin/griddy.<revision>'",
		tasks[TaskDeployRev].Cmds[0].Describe())
}

func TestDeployTask(t *testing.T) {
	assert.Equal(t, TaskDeploy, DeployTask(deploy.ModePlain))
	assert.Equal(t, TaskDeployRev, DeployTask(deploy.ModeRevision))
}
