package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// ItemReader is the part of connect.Client used for lookups.
type ItemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds 1Password Connect settings.
type OnePasswordConfig struct {
	Host  string // OP_CONNECT_HOST
	Token string // OP_CONNECT_TOKEN
}

// OnePasswordResolver resolves references through 1Password Connect.
// Resolved values are cached for the life of the process.
type OnePasswordResolver struct {
	items  ItemReader
	logger *slog.Logger

	mu    sync.Mutex
	cache map[Reference]string
}

// NewOnePasswordResolver creates a resolver backed by a Connect server.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host and token are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "pingrelay-controller")
	return newOnePasswordResolver(client, logger), nil
}

func newOnePasswordResolver(items ItemReader, logger *slog.Logger) *OnePasswordResolver {
	return &OnePasswordResolver{
		items:  items,
		logger: logger.With("component", "secrets"),
		cache:  make(map[Reference]string),
	}
}

// Resolve returns value unchanged unless it is an op:// reference.
func (r *OnePasswordResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	ref, err := ParseReference(value)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[ref]; ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	v, err := r.lookup(ref)
	if err != nil {
		return "", err
	}
	r.cache[ref] = v
	r.logger.Info("resolved secret reference", "vault", ref.Vault, "item", ref.Item, "field", ref.Field)
	return v, nil
}

func (r *OnePasswordResolver) lookup(ref Reference) (string, error) {
	items, err := r.items.GetItemsByTitle(ref.Item, ref.Vault)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	if len(items) > 1 {
		r.logger.Warn("multiple items share a title, using the first", "vault", ref.Vault, "item", ref.Item)
	}

	item, err := r.items.GetItem(items[0].ID, ref.Vault)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}
	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if strings.EqualFold(f.Label, ref.Field) || f.ID == ref.Field {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no field %q", ErrSecretNotFound, ref.Item, ref.Field)
}

// isNotFoundError matches the Connect SDK's not-found responses.
func isNotFoundError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
