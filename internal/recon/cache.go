package recon

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	viewVersionKey = "recon:invoice-views:version"
	bumpChannel    = "invoice.bump"
)

// ViewCache versions cached invoice views held by external collaborators.
// Every committed reconciliation bumps the version and publishes the invoice
// id so stale paid/due projections get dropped. All methods are nil-safe:
// without Redis the engine still works, collaborators just poll.
type ViewCache struct {
	client *redis.Client
}

// NewViewCache instantiates the cache helper.
func NewViewCache(client *redis.Client) *ViewCache {
	return &ViewCache{client: client}
}

// Version returns the current view version, initialising when missing.
func (c *ViewCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, viewVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, viewVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes a view cache key with the current version.
func (c *ViewCache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// Bump invalidates all cached invoice views and signals collaborators on the
// bump channel.
func (c *ViewCache) Bump(ctx context.Context, tenantID, invoiceID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, viewVersionKey).Err(); err != nil {
		return err
	}
	payload := fmt.Sprintf("%d:%d", tenantID, invoiceID)
	return c.client.Publish(ctx, bumpChannel, payload).Err()
}
