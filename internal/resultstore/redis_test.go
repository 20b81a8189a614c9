package resultstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Redis tests need a live server; set REDIS_URL (e.g. redis://localhost:6379/15)
// to run them.
func TestRedisStoreConformance(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("statsrunner:test:%d:", time.Now().UnixNano())
		s, err := NewRedisStore(context.Background(), url, prefix)
		require.NoError(t, err)
		t.Cleanup(func() {
			s.Purge(context.Background())
			s.Close()
		})
		return s
	})
}

func TestRedisStoreRequiresURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "", "")
	require.Error(t, err)

	_, err = NewRedisStore(context.Background(), "not a url", "")
	require.Error(t, err)
}
