package dedup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	stateDone     = "done"
	pendingPrefix = "pending:"
)

// claimScript returns 1 when the claim was taken, 0 for a done record and
// -1 for a live pending claim. A pending value is "pending:<token>".
var claimScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  redis.call("SET", KEYS[1], "pending:" .. ARGV[2], "PX", ARGV[1])
  return 1
end
if v == "done" then
  return 0
end
return -1
`)

// ownedScript runs ARGV[2] on KEYS[1] only while it holds ARGV[1]'s pending
// claim. It returns 0 when the claim is gone or owned by someone else.
var ownedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= "pending:" .. ARGV[1] then
  return 0
end
if ARGV[2] == "extend" then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
elseif ARGV[2] == "complete" then
  redis.call("SET", KEYS[1], "done", "PX", ARGV[3])
else
  redis.call("DEL", KEYS[1])
end
return 1
`)

// Redis keeps one key per (group, event) under dedup:<group>:<event_id>.
type Redis struct {
	rdb redis.UniversalClient
	cfg Config
}

func NewRedis(rdb redis.UniversalClient, cfg Config) *Redis {
	return &Redis{rdb: rdb, cfg: cfg.withDefaults()}
}

func key(group, eventID string) string {
	return "dedup:" + group + ":" + eventID
}

func (s *Redis) TryClaim(ctx context.Context, group, eventID string) (Claim, bool, error) {
	c := newClaim(group, eventID)
	res, err := claimScript.Run(ctx, s.rdb, []string{key(group, eventID)}, s.cfg.ClaimTimeout.Milliseconds(), c.Token).Result()
	if err != nil {
		return Claim{}, false, &StoreError{Op: "claim", Err: err}
	}
	n, err := toInt(res)
	if err != nil {
		return Claim{}, false, &StoreError{Op: "claim", Err: err}
	}
	switch n {
	case 1:
		return c, true, nil
	case 0:
		return Claim{}, false, nil
	default:
		return Claim{}, false, ErrClaimInProgress
	}
}

func (s *Redis) Extend(ctx context.Context, c Claim) error {
	return s.owned(ctx, "extend", c, s.cfg.ClaimTimeout.Milliseconds())
}

func (s *Redis) Complete(ctx context.Context, c Claim) error {
	return s.owned(ctx, "complete", c, s.cfg.TTL.Milliseconds())
}

func (s *Redis) Release(ctx context.Context, c Claim) error {
	return s.owned(ctx, "release", c, 0)
}

func (s *Redis) owned(ctx context.Context, op string, c Claim, ttlMillis int64) error {
	res, err := ownedScript.Run(ctx, s.rdb, []string{key(c.Group, c.EventID)}, c.Token, op, ttlMillis).Result()
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	n, err := toInt(res)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Ping is the readiness probe for the backing Redis.
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func toInt(res any) (int64, error) {
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
}
