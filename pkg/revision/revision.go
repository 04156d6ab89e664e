// Package revision derives the short identifier of the checked out source revision.
package revision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/griddy/build-tools/pkg/buildsys"
)

// Length is the number of hex characters kept from the head commit
const Length = 7

// Revision is a short commit hash such as "abcdef1"
type Revision string

func (r Revision) String() string {
	return string(r)
}

// LookupError indicates that the revision could not be determined
type LookupError struct {
	Dir    string
	Reason string
}

var _ error = (*LookupError)(nil)

func (e *LookupError) Error() string {
	return fmt.Sprintf("could not determine the source revision in %s: %s", e.Dir, e.Reason)
}

func isHex(value string) bool {
	for _, c := range value {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Short turns the full commit id printed by git into a Revision
func Short(output string) (Revision, error) {
	commit := strings.ToLower(strings.TrimSpace(output))
	if len(commit) < Length || !isHex(commit) {
		return "", eris.Errorf("unexpected commit id %q", output)
	}

	return Revision(commit[:Length]), nil
}

// Lookup asks git for the head commit of the repository shell runs in.
// A missing repository or a repository without commits results in a LookupError.
func Lookup(ctx context.Context, shell *buildsys.Shell, git string) (Revision, error) {
	if git == "" {
		git = "git"
	}

	output, err := shell.Output(ctx, nil, git, "rev-parse", "HEAD")
	if err != nil {
		return "", eris.Wrap(&LookupError{Dir: shell.Dir, Reason: err.Error()}, "revision lookup failed")
	}

	rev, err := Short(output)
	if err != nil {
		return "", eris.Wrap(&LookupError{Dir: shell.Dir, Reason: err.Error()}, "revision lookup failed")
	}

	buildsys.Log(ctx).Debug().Str("revision", rev.String()).Msg("Resolved source revision")
	return rev, nil
}
