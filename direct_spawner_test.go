package spawnkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectSpawnerRejectsInvalidConfig(t *testing.T) {
	ctx := testContext(t)
	spawner := NewDirectSpawner(ctx, SpawnDirectly)

	_, err := spawner.Spawn(context.Background(), &Config{})
	require.Error(t, err)
}

func TestDirectSpawnerCreationTime(t *testing.T) {
	ctx := testContext(t)
	before := NewDirectSpawner(ctx, SpawnDirectly).CreationTime()
	after := NewDirectSpawner(ctx, SpawnDirectly).CreationTime()
	require.False(t, after.Before(before))
}

func TestDirectSpawnerGenericAppHappyPath(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	cfg.GenericApp = true
	cfg.StartCommand = "nc -l $PORT"
	cfg.StartTimeoutMsec = 5000

	spawner := NewDirectSpawner(ctx, SpawnDirectly)
	result, err := spawner.Spawn(context.Background(), cfg)
	if err != nil {
		t.Skipf("nc not available in this environment: %v", err)
	}
	require.Greater(t, result.PID, 0)
	require.Len(t, result.Sockets, 1)
}
