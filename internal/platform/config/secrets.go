package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function such as secrets.Fetcher.Resolve.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errNoSecretResolver = errors.New("no secret resolver configured")

// SecretError wraps a failed lookup of Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError is returned when fields named by WithRequiredSecrets
// are empty after resolution. Its message carries only hashed names.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "config: missing required secrets"
	}
	return fmt.Sprintf("config: missing required secrets %s", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the field paths of the missing secrets, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns the hashed field paths, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	names := e.Names()
	for i, name := range names {
		names[i] = redactSecretName(name)
	}
	sort.Strings(names)
	return names
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// secretRef reports whether value points at Secret Manager and returns the
// canonical secret:// form. The sm:// scheme is an alias.
func secretRef(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

// secretFields holds the config values that may reference Secret Manager.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"Upstreams.Gemini.APIKey": &c.Upstreams.Gemini.APIKey,
		"Upstreams.Pexels.APIKey": &c.Upstreams.Pexels.APIKey,
		"Upstreams.Reve.APIKey":   &c.Upstreams.Reve.APIKey,
	}
}

// resolveSecrets replaces references in place and checks that every required
// field ended up with a value.
func (c *Config) resolveSecrets(ctx context.Context, resolver SecretResolver, required []string) error {
	fields := c.secretFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		ref, ok := secretRef(*field)
		if !ok {
			continue
		}
		if resolver == nil {
			return &SecretError{Ref: ref, Err: errNoSecretResolver}
		}
		value, err := resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		*field = strings.TrimSpace(value)
	}

	var missing []string
	seen := make(map[string]bool, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if field, ok := fields[name]; !ok || strings.TrimSpace(*field) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingSecretsError{names: missing}
	}
	return nil
}
