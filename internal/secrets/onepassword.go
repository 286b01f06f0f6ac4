package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host  string // OP_CONNECT_HOST
	Token string // OP_CONNECT_TOKEN
}

// ConfigFromEnv reads the 1Password Connect settings from the environment.
func ConfigFromEnv() OnePasswordConfig {
	return OnePasswordConfig{
		Host:  os.Getenv("OP_CONNECT_HOST"),
		Token: os.Getenv("OP_CONNECT_TOKEN"),
	}
}

// Enabled reports whether both host and token are set.
func (c OnePasswordConfig) Enabled() bool {
	return c.Host != "" && c.Token != ""
}

// OnePassword resolves op:// references through 1Password Connect.
type OnePassword struct {
	client connect.Client
	logger *slog.Logger

	// Resolved values; a config is resolved once at startup.
	mu    sync.Mutex
	cache map[string]string
}

// NewOnePassword creates a resolver backed by a Connect server.
func NewOnePassword(cfg OnePasswordConfig, logger *slog.Logger) (*OnePassword, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("1Password configuration incomplete: host and token are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "eventmon")
	return newOnePassword(client, logger), nil
}

func newOnePassword(client connect.Client, logger *slog.Logger) *OnePassword {
	return &OnePassword{
		client: client,
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}
}

// Resolve implements Resolver.
func (op *OnePassword) Resolve(ctx context.Context, ref string) (string, error) {
	r, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	key := r.String()

	op.mu.Lock()
	defer op.mu.Unlock()
	if v, ok := op.cache[key]; ok {
		return v, nil
	}

	item, err := op.lookupItem(r)
	if err != nil {
		return "", err
	}
	value, ok := fieldValue(item, r.Field)
	if !ok {
		return "", fmt.Errorf("%s: field %q: %w", key, r.Field, ErrNotFound)
	}

	op.cache[key] = value
	op.logger.Debug("resolved secret reference", "ref", key)
	return value, nil
}

func (op *OnePassword) lookupItem(r Reference) (*onepassword.Item, error) {
	items, err := op.client.GetItemsByTitle(r.Item, r.Vault)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", r, ErrNotFound)
		}
		return nil, fmt.Errorf("listing items for %s: %w", r, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: item %q: %w", r, r.Item, ErrNotFound)
	}

	item, err := op.client.GetItem(items[0].ID, r.Vault)
	if err != nil {
		return nil, fmt.Errorf("getting item for %s: %w", r, err)
	}
	return item, nil
}

// fieldValue matches a field by label first, then by id.
func fieldValue(item *onepassword.Item, name string) (string, bool) {
	for _, f := range item.Fields {
		if strings.EqualFold(f.Label, name) {
			return f.Value, true
		}
	}
	for _, f := range item.Fields {
		if f.ID == name {
			return f.Value, true
		}
	}
	return "", false
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK does not expose typed errors for this.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
