package deploy

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/griddy/build-tools/pkg/revision"
)

// Destination is a remote file in scp notation (host:path)
type Destination struct {
	// Host is an ssh host alias or [user@]hostname
	Host string
	Path string
}

// ParseDestination splits "host:path" at the first colon after the host. IPv6 hosts are written in
// brackets like scp expects them: "[::1]:bin/griddy". Both parts are required.
func ParseDestination(value string) (Destination, error) {
	start := strings.Index(value, "@") + 1
	if colon := strings.Index(value, ":"); colon > -1 && colon < start {
		start = 0
	}

	pos := strings.Index(value, ":")
	if strings.HasPrefix(value[start:], "[") {
		end := strings.Index(value[start:], "]")
		if end < 0 || !strings.HasPrefix(value[start+end+1:], ":") {
			return Destination{}, eris.Errorf("destination %q has an unterminated [host]", value)
		}
		pos = start + end + 1
	}

	if pos < 1 || pos == len(value)-1 || pos == start {
		return Destination{}, eris.Errorf("destination %q is not of the form host:path", value)
	}

	return Destination{Host: value[:pos], Path: value[pos+1:]}, nil
}

func (d Destination) String() string {
	return d.Host + ":" + d.Path
}

// WithRevision appends ".<rev>" to the path
func (d Destination) WithRevision(rev revision.Revision) Destination {
	d.Path += "." + rev.String()
	return d
}

// User returns the user part of Host if there is one
func (d Destination) User() string {
	if pos := strings.LastIndex(d.Host, "@"); pos > -1 {
		return d.Host[:pos]
	}
	return ""
}

// Hostname returns Host without the user part and without IPv6 brackets
func (d Destination) Hostname() string {
	host := d.Host
	if pos := strings.LastIndex(host, "@"); pos > -1 {
		host = host[pos+1:]
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// Mode selects whether the revision is appended to the destination
type Mode string

const (
	ModePlain    Mode = "plain"
	ModeRevision Mode = "revision"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModePlain, ModeRevision:
		return Mode(value), nil
	}

	return "", eris.Errorf("unknown deploy mode %q (must be one of %s or %s)", value, ModePlain, ModeRevision)
}
