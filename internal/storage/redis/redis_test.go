package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcprelay/internal/storage"
	"mcprelay/internal/storage/storetest"
)

// Integration tests against a local Redis. Skipped when none is running.
func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

var prefixSeq int

func newStore(t *testing.T) *Store {
	t.Helper()
	client := testClient(t)
	prefixSeq++
	prefix := fmt.Sprintf("mcprelay-test:%d:%d:", time.Now().UnixNano(), prefixSeq)
	s, err := New(Config{Client: client, KeyPrefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		s.Close()
	})
	return s
}

func TestRedisStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newStore(t)
	})
}

func TestRedisCleanupPrunesStaleIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := &storage.SessionRecord{
		SessionID: "sess-1", Identity: "alice",
		ServerID: "srv-1", ServerURL: "https://a.example/mcp", CallbackURL: "https://cb.example",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateSession(ctx, rec, 200*time.Millisecond))

	time.Sleep(300 * time.Millisecond)

	// The record expired natively but its index entry survives until swept.
	removed, err := s.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := s.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedisRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
