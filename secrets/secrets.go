// Package secrets stores and retrieves opaque strings (OAuth tokens, per-channel keys)
// in a versioned secret manager. Versions are append-only and readers only ever ask
// for the latest one. Three backends exist: Google Secret Manager for production,
// an encrypted Postgres table for self-hosting, and an in-memory store for tests.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a secret (or the requested version) does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrAlreadyExists is returned by backends when creating a secret that exists.
	// Store.EnsureSecret swallows it.
	ErrAlreadyExists = errors.New("secret already exists")
)

// Store is the secret manager contract used by the rest of the service.
type Store interface {
	// EnsureSecret creates the secret container if it does not exist yet.
	EnsureSecret(ctx context.Context, name string) error
	// AddVersion appends value as the newest version and returns its version path.
	AddVersion(ctx context.Context, name, value string) (string, error)
	// AccessLatest returns the value of the latest version. name may be a short id,
	// a full resource name, or a version path.
	AccessLatest(ctx context.Context, name string) (string, error)
}

// Put ensures the container exists and adds value as a new version.
func Put(ctx context.Context, s Store, name, value string) (string, error) {
	if err := s.EnsureSecret(ctx, name); err != nil {
		return "", fmt.Errorf("ensure secret %s: %w", SecretID(name), err)
	}
	path, err := s.AddVersion(ctx, name, value)
	if err != nil {
		return "", fmt.Errorf("add version to %s: %w", SecretID(name), err)
	}
	return path, nil
}

// NormalizeVersionPath appends "/versions/latest" unless the path already names a
// version. A bare trailing "/versions" is completed to "latest". It is idempotent.
func NormalizeVersionPath(p string) string {
	p = strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(p), "/"), "/versions")
	if p == "" || strings.Contains(p, "/versions/") {
		return p
	}
	return p + "/versions/latest"
}

// ResourceName returns "projects/<project>/secrets/<id>" for a short id. Names that
// are already resource paths are returned without the version suffix.
func ResourceName(project, name string) string {
	if strings.HasPrefix(name, "projects/") {
		if i := strings.Index(name, "/versions/"); i >= 0 {
			return name[:i]
		}
		return name
	}
	return "projects/" + project + "/secrets/" + name
}

// SecretID extracts the short id from any accepted name form.
func SecretID(name string) string {
	if i := strings.Index(name, "/versions/"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "/secrets/"); i >= 0 {
		return name[i+len("/secrets/"):]
	}
	return name
}

// versionOf returns the version segment of a path ("latest" when absent).
func versionOf(name string) string {
	if i := strings.Index(name, "/versions/"); i >= 0 {
		return name[i+len("/versions/"):]
	}
	return "latest"
}

// Secret ids used by the service. Logins are lowercased by callers.

func TwitchAccessTokenID(login string) string  { return "twitch-access-token-" + login }
func TwitchRefreshTokenID(login string) string { return "twitch-refresh-token-" + login }
func OBSTokenID(login string) string           { return "obs-token-" + login }
