package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// VaultStore implements QueueStore on HashiCorp Vault's KV v2 secrets engine.
// Each queue table maps to a path under the configured mount; Lookup uses the
// metadata LIST operation.
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; falls back to the client's environment if empty
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path within the mount (e.g. "workorders")
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// Set writes value under key in the named table.
func (s *VaultStore) Set(ctx context.Context, table, key, value string) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.dataPathFor(table, key), payload); err != nil {
		s.log.Error("Failed to write to Vault", slog.String("table", table), slog.String("key", key), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Get reads the value under key; interfaces.ErrKeyNotFound if absent.
func (s *VaultStore) Get(ctx context.Context, table, key string) (string, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPathFor(table, key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return "", interfaces.ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted KV v2 versions read back with nil data.
		return "", interfaces.ErrKeyNotFound
	}

	value, ok := data["value"].(string)
	if !ok {
		return "", fmt.Errorf("unexpected value format at %s/%s", table, key)
	}
	return value, nil
}

// Remove deletes all versions of the key so it disappears from Lookup.
func (s *VaultStore) Remove(ctx context.Context, table, key string) error {
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPathFor(table, key)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Lookup lists all keys in the named table.
func (s *VaultStore) Lookup(ctx context.Context, table string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx,
		fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, table))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	rawKeys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	keys := make([]string, 0, len(rawKeys))
	for _, raw := range rawKeys {
		if key, ok := raw.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Available checks Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns an identifier for logging.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

func (s *VaultStore) dataPathFor(table, key string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", s.mountPath, s.dataPath, table, key)
}

func (s *VaultStore) metadataPathFor(table, key string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", s.mountPath, s.dataPath, table, key)
}
