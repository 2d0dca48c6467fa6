package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// reference is a parsed secret://name?version=N&project=P string.
type reference struct {
	name    string
	version string
	project string
}

// canonical is the reference without query parameters. Version pins and the
// local file are keyed on it.
func (r reference) canonical() string {
	return "secret://" + r.name
}

func (r reference) versioned(version string) string {
	return r.canonical() + "#" + version
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	q := u.Query()
	return reference{
		name:    name,
		version: strings.TrimSpace(q.Get("version")),
		project: strings.TrimSpace(q.Get("project")),
	}, nil
}
