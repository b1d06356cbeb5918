package joblock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises externally-triggered jobs. The cron endpoints are
// idempotent, but an aggressive scheduler can still fire the same stage
// twice in flight; a lease per job name prevents the overlap.
type Locker interface {
	// Acquire takes the lease for a job. When acquired is true the caller
	// must call release when done.
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Nop always grants the lease. Used when no Redis is configured and in tests.
type Nop struct{}

func (Nop) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// Redis implements Locker with a SET NX lease per job.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Connected to Redis: %s", addr)
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// releaseScript deletes the lease only if this holder still owns it, so a
// job that outlives its TTL cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (r *Redis) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	key := "joblock:" + job
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire job lock %s: %w", job, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		if err := releaseScript.Run(context.Background(), r.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("Failed to release job lock %s: %v", job, err)
		}
	}
	return release, true, nil
}
