package deploy

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/agent"
	"mvdan.cc/sh/v3/interp"

	"github.com/griddy/build-tools/pkg/buildsys"
	"github.com/griddy/build-tools/pkg/revision"
)

func TestParseDestination(t *testing.T) {
	dest, err := ParseDestination("woods:bin/griddy")
	require.NoError(t, err)
	assert.Equal(t, Destination{Host: "woods", Path: "bin/griddy"}, dest)
	assert.Equal(t, "woods:bin/griddy", dest.String())
	assert.Equal(t, "woods", dest.Hostname())
	assert.Empty(t, dest.User())

	dest, err = ParseDestination("ci@lab.example:/opt/griddy")
	require.NoError(t, err)
	assert.Equal(t, "ci", dest.User())
	assert.Equal(t, "lab.example", dest.Hostname())
	assert.Equal(t, "/opt/griddy", dest.Path)

	for _, bad := range []string{"", "woods", ":bin/griddy", "woods:", "ci@:bin/griddy", "[::1", "[::1]bin"} {
		_, err := ParseDestination(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDestinationIPv6(t *testing.T) {
	dest, err := ParseDestination("[::1]:bin/griddy")
	require.NoError(t, err)
	assert.Equal(t, Destination{Host: "[::1]", Path: "bin/griddy"}, dest)
	assert.Equal(t, "::1", dest.Hostname())
	assert.Equal(t, "[::1]:bin/griddy", dest.String())
	assert.Equal(t, "[::1]:22", (&SFTPTransport{}).address(dest))

	dest, err = ParseDestination("ci@[fe80::1]:/opt/griddy")
	require.NoError(t, err)
	assert.Equal(t, "ci", dest.User())
	assert.Equal(t, "fe80::1", dest.Hostname())
	assert.Equal(t, "/opt/griddy", dest.Path)
}

func TestWithRevision(t *testing.T) {
	dest := Destination{Host: "woods", Path: "bin/griddy"}
	assert.Equal(t, "woods:bin/griddy.abcdef1", dest.WithRevision(revision.Revision("abcdef1")).String())
	// the original is left alone
	assert.Equal(t, "woods:bin/griddy", dest.String())
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("revision")
	require.NoError(t, err)
	assert.Equal(t, ModeRevision, mode)

	_, err = ParseMode("latest")
	assert.Error(t, err)
}

type scpCalls struct {
	calls  [][]string
	status uint8
}

func (s *scpCalls) shell() *buildsys.Shell {
	return &buildsys.Shell{
		Dir:    ".",
		Stdout: io.Discard,
		Stderr: io.Discard,
		ExecHandler: func(ctx context.Context, args []string) error {
			s.calls = append(s.calls, args)
			if s.status != 0 {
				return interp.NewExitStatus(s.status)
			}
			return nil
		},
	}
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "griddy")
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF griddy"), 0o755))
	return path
}

func TestDeployWithScp(t *testing.T) {
	fake := &scpCalls{}
	transport := &ScpTransport{Shell: fake.shell()}
	artifact := writeArtifact(t)

	err := Deploy(context.Background(), transport, artifact, Destination{Host: "woods", Path: "bin/griddy"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"scp", "-C", artifact, "woods:bin/griddy"}}, fake.calls)
	assert.Equal(t, "scp -C "+artifact+" woods:bin/griddy", transport.Describe(artifact, Destination{Host: "woods", Path: "bin/griddy"}))
}

func TestDeployScpFailure(t *testing.T) {
	fake := &scpCalls{status: 255}
	transport := &ScpTransport{Shell: fake.shell(), Scp: "/usr/bin/scp"}
	artifact := writeArtifact(t)

	err := Deploy(context.Background(), transport, artifact, Destination{Host: "woods", Path: "bin/griddy"})
	require.Error(t, err)

	var transferErr *TransferError
	require.True(t, eris.As(err, &transferErr))
	assert.Equal(t, "woods:bin/griddy", transferErr.Destination)

	code, ok := buildsys.ExitStatus(err)
	require.True(t, ok)
	assert.Equal(t, 255, code)
	assert.Equal(t, "/usr/bin/scp", fake.calls[0][0])
}

func TestDeployRequiresRegularFile(t *testing.T) {
	fake := &scpCalls{}
	transport := &ScpTransport{Shell: fake.shell()}
	dest := Destination{Host: "woods", Path: "bin/griddy"}

	err := Deploy(context.Background(), transport, filepath.Join(t.TempDir(), "missing"), dest)
	var transferErr *TransferError
	assert.True(t, eris.As(err, &transferErr))

	err = Deploy(context.Background(), transport, t.TempDir(), dest)
	assert.True(t, eris.As(err, &transferErr))

	assert.Empty(t, fake.calls)
}

// pipeConnect serves sftp requests from an in-process server working on the local filesystem
func pipeConnect(t *testing.T) func(ctx context.Context, dest Destination) (*sftp.Client, io.Closer, error) {
	return func(ctx context.Context, dest Destination) (*sftp.Client, io.Closer, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()

		server, err := sftp.NewServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite})
		require.NoError(t, err)
		go server.Serve() //nolint:errcheck

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			return nil, nil, err
		}

		// the client waits for its reader, which only ends once the server side is closed
		return client, closerFunc(func() error {
			server.Close()
			return client.Close()
		}), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func TestSFTPUploadReplacesDestination(t *testing.T) {
	artifact := writeArtifact(t)
	remoteDir := t.TempDir()
	remotePath := filepath.Join(remoteDir, "griddy.abcdef1")
	require.NoError(t, os.WriteFile(remotePath, []byte("old build"), 0o644))

	transport := &SFTPTransport{connect: pipeConnect(t)}
	err := Deploy(context.Background(), transport, artifact, Destination{Host: "woods", Path: remotePath})
	require.NoError(t, err)

	content, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF griddy", string(content))

	info, err := os.Stat(remotePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// no temporary files are left behind
	entries, err := os.ReadDir(remoteDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSFTPUploadFailure(t *testing.T) {
	artifact := writeArtifact(t)
	remotePath := filepath.Join(t.TempDir(), "missing-dir", "griddy")

	transport := &SFTPTransport{connect: pipeConnect(t)}
	err := Deploy(context.Background(), transport, artifact, Destination{Host: "woods", Path: remotePath})

	var transferErr *TransferError
	assert.True(t, eris.As(err, &transferErr))
}

func TestSFTPDefaults(t *testing.T) {
	transport := &SFTPTransport{}
	dest := Destination{Host: "ci@woods", Path: "bin/griddy"}

	assert.Equal(t, "woods:22", transport.address(dest))
	name, err := transport.user(dest)
	require.NoError(t, err)
	assert.Equal(t, "ci", name)

	transport = &SFTPTransport{Address: "10.0.0.5:2222", User: "deploy"}
	assert.Equal(t, "10.0.0.5:2222", transport.address(dest))
	name, err = transport.user(dest)
	require.NoError(t, err)
	assert.Equal(t, "deploy", name)
}

func TestSFTPAuthRequiresMethod(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, _, err := (&SFTPTransport{}).authMethods()
	assert.Error(t, err)

	_, _, err = (&SFTPTransport{IdentityFile: filepath.Join(t.TempDir(), "id_ed25519")}).authMethods()
	assert.Error(t, err)
}

func TestSFTPAuthClosesAgentConnection(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "agent.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer listener.Close()

	served := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			served <- err
			return
		}
		served <- agent.ServeAgent(agent.NewKeyring(), conn)
	}()

	t.Setenv("SSH_AUTH_SOCK", socket)
	methods, agentConn, err := (&SFTPTransport{}).authMethods()
	require.NoError(t, err)
	require.Len(t, methods, 1)
	require.NotNil(t, agentConn)

	require.NoError(t, agentConn.Close())
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("agent connection was not closed")
	}
}
