package deploy

import (
	"context"

	"github.com/griddy/build-tools/pkg/buildsys"
)

// ScpTransport runs the system scp with compression. Host aliases from ~/.ssh/config work as usual.
type ScpTransport struct {
	Shell *buildsys.Shell
	// Scp is the executable, "scp" if empty
	Scp string
}

var _ Transport = (*ScpTransport)(nil)

func (t *ScpTransport) args(src string, dest Destination) []string {
	scp := t.Scp
	if scp == "" {
		scp = "scp"
	}
	return []string{scp, "-C", src, dest.String()}
}

func (t *ScpTransport) Describe(src string, dest Destination) string {
	return buildsys.FormatCommand(t.args(src, dest)...)
}

func (t *ScpTransport) Transfer(ctx context.Context, src string, dest Destination) error {
	return t.Shell.Run(ctx, nil, t.args(src, dest)...)
}
