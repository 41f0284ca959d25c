package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

type vaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
	DeleteWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// VaultConfig describes how to connect to a Vault cluster.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
}

// VaultStore keeps secrets in a Vault KV v2 mount under <mount>/data/<client>/<path>.
type VaultStore struct {
	logical vaultLogical
	mount   string
}

// NewVaultStore builds a store using the provided configuration.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}

	client, err := vault.NewClient(&vault.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetToken(token)
	}

	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	return NewVaultStoreWithLogical(client.Logical(), cfg.Mount), nil
}

// NewVaultStoreWithLogical constructs a store with a preconfigured logical client.
func NewVaultStoreWithLogical(logical vaultLogical, mount string) *VaultStore {
	mount = strings.Trim(strings.TrimSpace(mount), "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{logical: logical, mount: mount}
}

func (s *VaultStore) dataPath(clientID, path string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mount, clientID, strings.TrimPrefix(path, "/"))
}

func (s *VaultStore) Read(ctx context.Context, clientID, path string) (string, error) {
	if !validPath(clientID, path) {
		return "", ErrAccess
	}

	secret, err := s.logical.ReadWithContext(ctx, s.dataPath(clientID, path))
	if err != nil {
		return "", vaultError(err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrAccess
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", ErrAccess
	}
	value, ok := data["value"]
	if !ok {
		return "", ErrAccess
	}
	return fmt.Sprintf("%v", value), nil
}

func (s *VaultStore) Write(ctx context.Context, clientID, path, value string) error {
	if !validPath(clientID, path) {
		return ErrAccess
	}

	_, err := s.logical.WriteWithContext(ctx, s.dataPath(clientID, path), map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	})
	return vaultError(err)
}

func (s *VaultStore) Delete(ctx context.Context, clientID, path string) error {
	if !validPath(clientID, path) {
		return ErrAccess
	}

	metadata := fmt.Sprintf("%s/metadata/%s/%s", s.mount, clientID, strings.TrimPrefix(path, "/"))
	_, err := s.logical.DeleteWithContext(ctx, metadata)
	return vaultError(err)
}

func vaultError(err error) error {
	if err == nil {
		return nil
	}

	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return ErrAccess
		}
	}
	return fmt.Errorf("vault: %w", err)
}
