package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyStatusCheckLock = "clinicpay:lock:status_check:"

var ErrInvalidLease = errors.New("invalid_lock_lease")

// Lease is proof of holding a lock. Only its holder can release it.
type Lease struct {
	Key   string
	Token string
}

// Locker hands out short-lived exclusive leases stored in Redis. A nil
// Locker grants every lease, so single-process deployments need no Redis.
type Locker struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if l == nil || l.client == nil {
		return Lease{}, true, nil
	}
	if key == "" {
		return Lease{}, false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return Lease{}, false, errors.New("lock ttl must be positive")
	}

	lease := Lease{Key: key, Token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// TryLockStatusCheck serialises polling of one status check across
// scheduler processes.
func (l *Locker) TryLockStatusCheck(ctx context.Context, checkID string, ttl time.Duration) (Lease, bool, error) {
	return l.TryLock(ctx, keyStatusCheckLock+checkID, ttl)
}

func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil || lease.Key == "" {
		return nil
	}
	if lease.Token == "" {
		return ErrInvalidLease
	}
	return l.script.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
