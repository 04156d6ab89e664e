// Package deploy copies the release binary to its remote destination.
package deploy

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"

	"github.com/griddy/build-tools/pkg/buildsys"
)

// Transport copies a local file to a remote destination
type Transport interface {
	Transfer(ctx context.Context, src string, dest Destination) error
	// Describe returns the equivalent command line for logs and dry runs
	Describe(src string, dest Destination) string
}

// TransferError reports a failed transfer. Err holds the transport's error and may carry an exit status.
type TransferError struct {
	Destination string
	Err         error
}

var _ error = (*TransferError)(nil)

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to %s failed: %v", e.Destination, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Deploy copies artifact to dest. It fails if artifact is not a regular file. Nothing is retried.
func Deploy(ctx context.Context, transport Transport, artifact string, dest Destination) error {
	info, err := os.Stat(artifact)
	if err != nil {
		return &TransferError{Destination: dest.String(), Err: eris.Wrapf(err, "artifact %s is missing", artifact)}
	}
	if !info.Mode().IsRegular() {
		return &TransferError{Destination: dest.String(), Err: eris.Errorf("artifact %s is not a regular file", artifact)}
	}

	buildsys.Log(ctx).Info().
		Str("artifact", artifact).
		Str("destination", dest.String()).
		Int64("size", info.Size()).
		Msg("Deploying")

	err = transport.Transfer(ctx, artifact, dest)
	if err != nil {
		var transferErr *TransferError
		if eris.As(err, &transferErr) {
			return err
		}
		return &TransferError{Destination: dest.String(), Err: err}
	}

	return nil
}
