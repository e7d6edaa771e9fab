// Package vault resolves execution credentials from HashiCorp Vault.
// Credentials are injected, never hardcoded: when Vault is disabled
// the caller falls back to environment-provided configuration.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/execution"
)

// Client wraps the Vault KV v2 API with a read-through cache so a
// Vault hiccup after startup does not stall order submission.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache map[string]execution.Credentials
}

// NewClient builds a Vault client from configuration. Callers should
// check cfg.Enabled before constructing; a disabled config is an
// error here.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is disabled in configuration")
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		cfg:    cfg,
		cache:  make(map[string]execution.Credentials),
	}, nil
}

// Credentials reads broker API credentials for the given environment
// ("demo" or "live"). The secret lives under
// {mount}/data/{secret_path}/{env} with keys api_key and secret_key.
func (c *Client) Credentials(ctx context.Context, env string) (execution.Credentials, error) {
	c.mu.RLock()
	if creds, ok := c.cache[env]; ok {
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	path := fmt.Sprintf("%s/data/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, env)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return execution.Credentials{}, fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return execution.Credentials{}, fmt.Errorf("no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return execution.Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}
	creds := execution.Credentials{
		APIKey:    stringField(data, "api_key"),
		SecretKey: stringField(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return execution.Credentials{}, fmt.Errorf("secret at %s missing api_key or secret_key", path)
	}

	c.mu.Lock()
	c.cache[env] = creds
	c.mu.Unlock()
	return creds, nil
}

// HealthCheck verifies the Vault server is reachable and unsealed.
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
