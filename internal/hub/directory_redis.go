package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
	"clusterhub/internal/workerpool"
)

const directoryKeyPrefix = "clusterhub:server:"

// Mirror receives registry membership changes. The hub never waits on it.
type Mirror interface {
	Put(s registry.RegisteredServer)
	Remove(id protocol.ServerIdentity)
	Refresh(snapshot func() []registry.RegisteredServer)
	Close() error
}

// DirectoryEntry is one mirrored peer as stored in Redis.
type DirectoryEntry struct {
	Identity     protocol.ServerIdentity
	Name         string
	Address      protocol.ServerAddress
	RegisteredAt time.Time
}

// RedisDirectory mirrors the registry into Redis hashes so operators can
// inspect the live cluster. Writes are applied in order on a single
// background worker; a nil *RedisDirectory is a no-op mirror.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
	writes *workerpool.Pool
	logger *slog.Logger
}

// NewRedisDirectory connects to redisURL, which may be a redis:// URL or a
// bare host:port.
func NewRedisDirectory(redisURL, password string, ttl time.Duration, logger *slog.Logger) (*RedisDirectory, error) {
	opts := &redis.Options{
		Addr:         redisURL,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisDirectory(rdb, ttl, logger), nil
}

func newRedisDirectory(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	writes := workerpool.New("redis-directory", 1, 1024, logger)
	writes.Start()
	return &RedisDirectory{
		client: client,
		ttl:    ttl,
		writes: writes,
		logger: logger,
	}
}

func directoryKey(index uint8) string {
	return directoryKeyPrefix + strconv.Itoa(int(index))
}

func (r *RedisDirectory) enqueue(op string, task workerpool.Task) {
	if err := r.writes.TrySubmit(task); err != nil {
		r.logger.Warn("directory_write_dropped",
			"op", op,
			"error", err.Error(),
		)
	}
}

func (r *RedisDirectory) Put(s registry.RegisteredServer) {
	if r == nil || r.client == nil {
		return
	}
	r.enqueue("put", func(ctx context.Context) error {
		return r.save(ctx, s)
	})
}

func (r *RedisDirectory) Remove(id protocol.ServerIdentity) {
	if r == nil || r.client == nil {
		return
	}
	r.enqueue("remove", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.client.Del(ctx, directoryKey(id.Index)).Err(); err != nil {
			return fmt.Errorf("failed to delete directory entry %d: %w", id.Index, err)
		}
		return nil
	})
}

// Refresh rewrites every entry, extending their TTL. snapshot is called on
// the write worker so it sees every Put and Remove queued before it.
func (r *RedisDirectory) Refresh(snapshot func() []registry.RegisteredServer) {
	if r == nil || r.client == nil {
		return
	}
	r.enqueue("refresh", func(ctx context.Context) error {
		for _, s := range snapshot() {
			if err := r.save(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RedisDirectory) save(ctx context.Context, s registry.RegisteredServer) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	key := directoryKey(s.Identity.Index)
	fields := map[string]any{
		"identity":      s.Identity.Pack(),
		"type":          s.Identity.Type.String(),
		"name":          s.Name,
		"host":          s.Address.Host,
		"port":          s.Address.Port,
		"registered_at": s.RegisteredAt.Format(time.RFC3339Nano),
	}

	// HSET and EXPIRE travel together
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save directory entry %d: %w", s.Identity.Index, err)
	}
	return nil
}

// Get reads one mirrored entry; nil means not present.
func (r *RedisDirectory) Get(ctx context.Context, index uint8) (*DirectoryEntry, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	fields, err := r.client.HGetAll(ctx, directoryKey(index)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseDirectoryEntry(fields)
}

// List scans every mirrored entry.
func (r *RedisDirectory) List(ctx context.Context) ([]*DirectoryEntry, error) {
	if r == nil || r.client == nil {
		return []*DirectoryEntry{}, nil
	}
	var results []*DirectoryEntry
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, directoryKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			entry, err := parseDirectoryEntry(fields)
			if err != nil {
				r.logger.Warn("directory_entry_invalid",
					"key", key,
					"error", err.Error(),
				)
				continue
			}
			results = append(results, entry)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return results, nil
}

func parseDirectoryEntry(fields map[string]string) (*DirectoryEntry, error) {
	packed, err := strconv.ParseUint(fields["identity"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid identity %q: %w", fields["identity"], err)
	}
	port, err := strconv.ParseUint(fields["port"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", fields["port"], err)
	}
	entry := &DirectoryEntry{
		Identity: protocol.UnpackIdentity(uint32(packed)),
		Name:     fields["name"],
		Address:  protocol.ServerAddress{Host: fields["host"], Port: uint32(port)},
	}
	entry.RegisteredAt, _ = time.Parse(time.RFC3339Nano, fields["registered_at"])
	return entry, nil
}

// Flush waits for queued writes to be applied and stops accepting new ones.
func (r *RedisDirectory) Flush() {
	if r == nil || r.writes == nil {
		return
	}
	r.writes.Wait()
}

// Close applies queued writes and closes the client.
func (r *RedisDirectory) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	r.Flush()
	return r.client.Close()
}
