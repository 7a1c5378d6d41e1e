package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshResult is the outcome of an ownership refresh
type RefreshResult int

const (
	// RefreshLost means another instance now owns the agent
	RefreshLost RefreshResult = 0
	// RefreshOK means the TTL was extended
	RefreshOK RefreshResult = 1
	// RefreshMissing means the key expired; the caller should re-claim
	RefreshMissing RefreshResult = -1
)

// DefaultOwnershipTTL is the ownership key lifetime; refreshed every 60s,
// so a crashed instance frees its agents within two refresh periods.
const DefaultOwnershipTTL = 120 * time.Second

var refreshScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	return 1
elseif v == false then
	return -1
else
	return 0
end
`)

// Ownership manages the worker_owner:<agent_id> keys asserting which process
// instance is the sole worker for a given agent.
type Ownership struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewOwnership creates an ownership manager for this process instance
func NewOwnership(client *redis.Client, instanceID string) *Ownership {
	return &Ownership{
		client:     client,
		instanceID: instanceID,
		ttl:        DefaultOwnershipTTL,
	}
}

// InstanceID returns this instance's identity
func (o *Ownership) InstanceID() string {
	return o.instanceID
}

// Claim attempts to take ownership of an agent. Returns false when another
// instance already owns it.
func (o *Ownership) Claim(ctx context.Context, agentID string) (bool, error) {
	ok, err := o.client.SetNX(ctx, ownerKeyPrefix+agentID, o.instanceID, o.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim ownership of agent %s: %w", agentID, err)
	}
	return ok, nil
}

// Refresh atomically extends the ownership TTL. RefreshMissing means the key
// expired (the caller may re-claim); RefreshLost means someone else owns it.
func (o *Ownership) Refresh(ctx context.Context, agentID string) (RefreshResult, error) {
	ttlSec := int(o.ttl / time.Second)
	res, err := refreshScript.Run(ctx, o.client, []string{ownerKeyPrefix + agentID}, o.instanceID, ttlSec).Int()
	if err != nil {
		return RefreshLost, fmt.Errorf("failed to refresh ownership of agent %s: %w", agentID, err)
	}
	return RefreshResult(res), nil
}

// RefreshOrReclaim refreshes ownership, re-claiming when the key expired.
// Returns true while this instance still owns the agent.
func (o *Ownership) RefreshOrReclaim(ctx context.Context, agentID string) (bool, error) {
	res, err := o.Refresh(ctx, agentID)
	if err != nil {
		return false, err
	}
	switch res {
	case RefreshOK:
		return true, nil
	case RefreshMissing:
		return o.Claim(ctx, agentID)
	default:
		return false, nil
	}
}

// Release atomically frees ownership if still held by this instance
func (o *Ownership) Release(ctx context.Context, agentID string) error {
	err := releaseScript.Run(ctx, o.client, []string{ownerKeyPrefix + agentID}, o.instanceID).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release ownership of agent %s: %w", agentID, err)
	}
	return nil
}

// Owner returns the instance currently owning the agent, empty when unowned
func (o *Ownership) Owner(ctx context.Context, agentID string) (string, error) {
	v, err := o.client.Get(ctx, ownerKeyPrefix+agentID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner of agent %s: %w", agentID, err)
	}
	return v, nil
}
