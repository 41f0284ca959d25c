// Package secrets stores per-client secret values and resolves the secret
// references carried by jobs.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// ErrAccess is returned when a secret cannot be read. A secret that does
// not exist and one the client may not read produce the same error so
// callers cannot probe for the existence of other clients' secrets.
var ErrAccess = errors.New("secret is not accessible")

// Store reads and writes secrets scoped to a client.
type Store interface {
	Read(ctx context.Context, clientID, path string) (string, error)
	Write(ctx context.Context, clientID, path, value string) error
	Delete(ctx context.Context, clientID, path string) error
}

// Resolve maps environment variable names to the secret values referenced
// by path. Inaccessible secrets resolve to an empty string; any other store
// failure aborts resolution.
func Resolve(ctx context.Context, store Store, clientID string, refs map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(refs))
	for name, path := range refs {
		if store == nil || strings.TrimSpace(clientID) == "" {
			resolved[name] = ""
			continue
		}

		value, err := store.Read(ctx, clientID, path)
		switch {
		case errors.Is(err, ErrAccess):
			resolved[name] = ""
		case err != nil:
			return nil, err
		default:
			resolved[name] = value
		}
	}
	return resolved, nil
}

func validPath(clientID, path string) bool {
	return strings.TrimSpace(clientID) != "" && strings.TrimSpace(path) != "" && !strings.Contains(path, "..")
}
