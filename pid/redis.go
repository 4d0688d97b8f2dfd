package pid

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash key used when none is configured.
const DefaultRedisKey = "baremetal:appserver:pid"

// RedisRegistry keeps the record in a redis hash with the fields "master"
// and "manager". It lets control commands run on a host that does not share
// a filesystem with the server.
type RedisRegistry struct {
	client redis.Cmdable
	key    string
}

// NewRedisRegistry returns a registry storing the record under key.
func NewRedisRegistry(client redis.Cmdable, key string) *RedisRegistry {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRegistry{client: client, key: key}
}

func (r *RedisRegistry) Read(ctx context.Context) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read pid hash %s: %w", r.key, err)
	}
	return Record{
		MasterPID:  parsePID(fields["master"]),
		ManagerPID: parsePID(fields["manager"]),
	}, nil
}

func (r *RedisRegistry) Write(ctx context.Context, masterPID, managerPID int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key, "master", formatPID(masterPID), "manager", formatPID(managerPID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("write pid hash %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("delete pid hash %s: %w", r.key, err)
	}
	return nil
}
