package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fieldpilot/backend/internal/config"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// statusTTL bounds staleness of the cached snapshot; every ledger mutation
// also invalidates the key explicitly.
const statusTTL = 30 * time.Second

const statusKeyPrefix = "credit_status:"

// CreditStatus is the cached per-organization balance snapshot served to
// read-heavy status endpoints.
type CreditStatus struct {
	OrganizationID string    `json:"organization_id"`
	Status         string    `json:"status"`
	Balance        int64     `json:"balance"`
	GraceRemaining int64     `json:"grace_remaining"`
	CachedAt       time.Time `json:"cached_at"`
}

// Client is a best-effort credit status cache. A nil Client disables caching.
type Client struct {
	rdb *redis.Client
}

// New constructs a cache client, or nil when no redis address is configured.
func New(cfg config.RedisConfig) *Client {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb}
}

// GetStatus returns the cached snapshot for an organization, if present.
func (c *Client) GetStatus(ctx context.Context, organizationID string) (*CreditStatus, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, errGet := c.rdb.Get(ctx, statusKeyPrefix+organizationID).Bytes()
	if errGet != nil {
		if !errors.Is(errGet, redis.Nil) {
			log.WithError(errGet).Debug("cache: credit status get failed")
		}
		return nil, false
	}
	var status CreditStatus
	if errUnmarshal := json.Unmarshal(raw, &status); errUnmarshal != nil {
		return nil, false
	}
	return &status, true
}

// SetStatus stores a snapshot with a short TTL.
func (c *Client) SetStatus(ctx context.Context, status CreditStatus) {
	if c == nil || c.rdb == nil {
		return
	}
	status.CachedAt = time.Now().UTC()
	raw, errMarshal := json.Marshal(status)
	if errMarshal != nil {
		return
	}
	if errSet := c.rdb.Set(ctx, statusKeyPrefix+status.OrganizationID, raw, statusTTL).Err(); errSet != nil {
		log.WithError(errSet).Debug("cache: credit status set failed")
	}
}

// Invalidate drops the snapshot after a ledger mutation.
func (c *Client) Invalidate(ctx context.Context, organizationID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if errDel := c.rdb.Del(ctx, statusKeyPrefix+organizationID).Err(); errDel != nil {
		log.WithError(errDel).Warn("cache: credit status invalidate failed")
	}
}

// Close releases the underlying redis connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
