package deploy

import (
	"context"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"github.com/aidarkhanov/nanoid"
	"github.com/pkg/sftp"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/griddy/build-tools/pkg/buildsys"
)

// SFTPTransport uploads through a native ssh connection. The destination is replaced with a rename so
// a running binary is never overwritten in place.
type SFTPTransport struct {
	// Address defaults to the destination's host on port 22
	Address string
	// User defaults to the user in the destination or the local user
	User         string
	IdentityFile string
	// KnownHosts defaults to ~/.ssh/known_hosts
	KnownHosts string
	Progress   bool

	connect func(ctx context.Context, dest Destination) (*sftp.Client, io.Closer, error)
}

var _ Transport = (*SFTPTransport)(nil)

func (t *SFTPTransport) Describe(src string, dest Destination) string {
	return buildsys.FormatCommand("sftp-put", src, dest.String())
}

func (t *SFTPTransport) Transfer(ctx context.Context, src string, dest Destination) error {
	connect := t.connect
	if connect == nil {
		connect = t.dial
	}

	client, closer, err := connect(ctx, dest)
	if err != nil {
		return err
	}
	defer closer.Close()

	// abort a hanging upload once the context is cancelled
	stop := context.AfterFunc(ctx, func() {
		closer.Close()
	})
	defer stop()

	return upload(ctx, client, src, dest.Path, t.Progress)
}

func (t *SFTPTransport) address(dest Destination) string {
	if t.Address != "" {
		return t.Address
	}
	return net.JoinHostPort(dest.Hostname(), "22")
}

func (t *SFTPTransport) user(dest Destination) (string, error) {
	if t.User != "" {
		return t.User, nil
	}
	if name := dest.User(); name != "" {
		return name, nil
	}

	current, err := user.Current()
	if err != nil {
		return "", eris.Wrap(err, "failed to determine the local user")
	}
	return current.Username, nil
}

func (t *SFTPTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := t.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, eris.Wrap(err, "failed to locate home directory")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load known hosts from %s", path)
	}
	return callback, nil
}

// authMethods returns the connection to the ssh agent too, if one was used. The caller closes it.
func (t *SFTPTransport) authMethods() ([]ssh.AuthMethod, net.Conn, error) {
	methods := make([]ssh.AuthMethod, 0, 2)

	if t.IdentityFile != "" {
		key, err := os.ReadFile(t.IdentityFile)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to read identity file %s", t.IdentityFile)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "unable to parse private key %s", t.IdentityFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	agentClient, agentConn := getSSHAgent()
	if agentClient != nil {
		methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
	}

	if len(methods) == 0 {
		return nil, nil, eris.New("no authentication method available (no identity file configured and no ssh agent found)")
	}
	return methods, agentConn, nil
}

func getSSHAgent() (agent.ExtendedAgent, net.Conn) {
	if sshAgentSocket := os.Getenv("SSH_AUTH_SOCK"); sshAgentSocket != "" {
		if conn, err := net.Dial("unix", sshAgentSocket); err == nil {
			return agent.NewClient(conn), conn
		}
	}
	return nil, nil
}

type sshCloser struct {
	client *ssh.Client
	sftp   *sftp.Client
	agent  net.Conn
}

func (c sshCloser) Close() error {
	c.sftp.Close()
	if c.agent != nil {
		c.agent.Close()
	}
	return c.client.Close()
}

func (t *SFTPTransport) dial(ctx context.Context, dest Destination) (*sftp.Client, io.Closer, error) {
	username, err := t.user(dest)
	if err != nil {
		return nil, nil, err
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return nil, nil, err
	}

	auth, agentConn, err := t.authMethods()
	if err != nil {
		return nil, nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}

	// no timeouts here, cancelling ctx is the only way to give up
	addr := t.address(dest)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, nil, eris.Wrapf(err, "failed to connect to %s", addr)
	}

	stopHandshake := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stopHandshake()
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, nil, eris.Wrapf(err, "ssh handshake with %s failed", addr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		closeAgent()
		return nil, nil, eris.Wrap(err, "failed to create sftp client")
	}

	buildsys.Log(ctx).Debug().Str("address", addr).Str("user", username).Msg("Connected")
	return sftpClient, sshCloser{client: client, sftp: sftpClient, agent: agentConn}, nil
}

func getProgressBar(length int64, desc string, visible bool) *progressbar.ProgressBar {
	if !visible || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// upload writes src next to remotePath and renames it into place once it is complete
func upload(ctx context.Context, client *sftp.Client, src, remotePath string, progress bool) error {
	local, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", src)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return eris.Wrapf(err, "failed to stat %s", src)
	}

	tmpPath := remotePath + ".gtask-" + nanoid.New()
	remote, err := client.Create(tmpPath)
	if err != nil {
		return eris.Wrapf(err, "failed to create temporary file %s on remote", tmpPath)
	}

	bar := getProgressBar(info.Size(), "uploading", progress)
	_, err = io.Copy(io.MultiWriter(remote, bar), local)
	closeErr := remote.Close()
	bar.Finish()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		return eris.Wrapf(err, "failed to write %s", tmpPath)
	}

	if err := client.Chmod(tmpPath, 0o755); err != nil {
		_ = client.Remove(tmpPath)
		return eris.Wrapf(err, "failed to chmod %s", tmpPath)
	}

	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		buildsys.Log(ctx).Debug().Err(err).Msg("posix-rename is not supported, falling back to remove and rename")

		_ = client.Remove(remotePath)
		if err := client.Rename(tmpPath, remotePath); err != nil {
			_ = client.Remove(tmpPath)
			return eris.Wrapf(err, "failed to move %s into place", remotePath)
		}
	}

	return nil
}
