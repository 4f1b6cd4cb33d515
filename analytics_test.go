package spawnkit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopPublisherDiscardsEvents(t *testing.T) {
	p := NoopPublisher{}
	err := p.Publish(context.Background(), &SpawnEvent{GUPID: "x"})
	require.NoError(t, err)
	p.Close()
}

func TestSpawnEventOmitsEmptyOptionalFields(t *testing.T) {
	event := &SpawnEvent{
		GUPID:        "abc",
		AppGroupName: "/srv/app",
		Success:      true,
		StartTime:    time.Unix(0, 0).UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"union_station_key", "category", "first_failed_step"} {
		_, present := doc[key]
		require.False(t, present, "expected %q to be omitted when empty", key)
	}
}
