package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Redis tests need a live server and run only when REDIS_URL is set.
func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := "campaigngraph-test-" + uuid.NewString()
		s, err := NewRedisStore(context.Background(), redisURL, prefix)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			keys, err := s.client.Keys(ctx, prefix+":*").Result()
			if err == nil && len(keys) > 0 {
				s.client.Del(ctx, keys...)
			}
			_ = s.Close()
		})
		return s
	})
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(context.Background(), "", "")
	require.Error(t, err)
	_, err = NewRedisStore(context.Background(), "not-a-url://", "")
	require.Error(t, err)
}
