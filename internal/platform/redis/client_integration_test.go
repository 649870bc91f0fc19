//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/platform/config"
	platformredis "gatekeeper/internal/platform/redis"
	"gatekeeper/pkg/testutil/containers"
)

func TestNew(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)

	client, err := platformredis.New(context.Background(), config.RedisConfig{URL: rc.URL, PoolSize: 4})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Health(context.Background()))
}
