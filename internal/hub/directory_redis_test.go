package hub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterhub/internal/logging"
	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
)

func TestRedisDirectory_NilIsNoop(t *testing.T) {
	var d *RedisDirectory
	s := registry.RegisteredServer{Identity: protocol.ServerIdentity{Type: protocol.TypeWorld, Index: 1}}

	assert.NotPanics(t, func() {
		d.Put(s)
		d.Remove(s.Identity)
		d.Refresh(func() []registry.RegisteredServer { return []registry.RegisteredServer{s} })
		d.Flush()
	})
	entry, err := d.Get(context.Background(), 1)
	assert.NoError(t, err)
	assert.Nil(t, entry)
	list, err := d.List(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, d.Close())
}

func TestParseDirectoryEntry(t *testing.T) {
	id := protocol.ServerIdentity{Type: protocol.TypeLogin, Group: 2, ID: 3, Index: 4}
	entry, err := parseDirectoryEntry(map[string]string{
		"identity":      "67305986",
		"name":          "L1",
		"host":          "10.0.0.1",
		"port":          "7000",
		"registered_at": "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	assert.Equal(t, id, entry.Identity)
	assert.Equal(t, "10.0.0.1:7000", entry.Address.String())
	assert.Equal(t, 2026, entry.RegisteredAt.Year())

	_, err = parseDirectoryEntry(map[string]string{"identity": "x", "port": "1"})
	assert.Error(t, err)
}

func TestRedisDirectory_RefreshSnapshotsAfterQueuedWrites(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	d := newRedisDirectory(client, time.Minute, logging.Discard())
	t.Cleanup(func() { _ = d.Close() })

	// stands in for a Remove already waiting on the worker
	release := make(chan struct{})
	removed := false
	require.NoError(t, d.writes.Submit(func(ctx context.Context) error {
		<-release
		removed = true
		return nil
	}))

	sawRemoved := make(chan bool, 1)
	d.Refresh(func() []registry.RegisteredServer {
		sawRemoved <- removed
		return nil
	})

	select {
	case <-sawRemoved:
		t.Fatal("snapshot taken before earlier writes were applied")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case seen := <-sawRemoved:
		assert.True(t, seen)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}
}

// Runs against a real Redis when REDIS_URL is set.
func TestRedisDirectory_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis integration test")
	}
	d, err := NewRedisDirectory(url, os.Getenv("REDIS_PASSWORD"), time.Minute, logging.Discard())
	if err != nil {
		t.Skipf("Redis not reachable: %v", err)
	}

	s := registry.RegisteredServer{
		Identity:     protocol.ServerIdentity{Type: protocol.TypeWorld, Group: 1, Index: 200},
		Name:         "it-world",
		Address:      protocol.ServerAddress{Host: "10.9.9.9", Port: 7200},
		RegisteredAt: time.Now().UTC(),
	}
	ctx := context.Background()

	d.Put(s)
	require.Eventually(t, func() bool {
		entry, err := d.Get(ctx, 200)
		return err == nil && entry != nil && entry.Name == "it-world"
	}, 3*time.Second, 20*time.Millisecond)

	entries, err := d.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	d.Remove(s.Identity)
	require.Eventually(t, func() bool {
		entry, err := d.Get(ctx, 200)
		return err == nil && entry == nil
	}, 3*time.Second, 20*time.Millisecond)

	assert.NoError(t, d.Close())
}
