/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package heartbeat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return NewClientWithRedis(rdb), server
}

func TestPublishAndRead(t *testing.T) {
	ctx := context.Background()
	client, server := newTestClient(t)
	listenerId := uuid.New()

	err := client.Publish(ctx, listenerId, State{
		Capacity:          3,
		ActiveRuns:        1,
		RunnerDefinitions: []string{"terraform-1.7"},
	})
	require.NoError(t, err)

	online, err := client.IsOnline(ctx, listenerId)
	require.NoError(t, err)
	assert.True(t, online)

	state, err := client.Get(ctx, listenerId)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Capacity)
	assert.Equal(t, 1, state.ActiveRuns)
	assert.Equal(t, []string{"terraform-1.7"}, state.RunnerDefinitions)

	prefix := fmt.Sprintf("tp:listener:%s", listenerId)
	ttl := server.TTL(prefix + ":status")
	assert.Equal(t, TTL, ttl)
}

func TestOfflineAfterTTL(t *testing.T) {
	ctx := context.Background()
	client, server := newTestClient(t)
	listenerId := uuid.New()

	require.NoError(t, client.Publish(ctx, listenerId, State{Capacity: 1}))
	server.FastForward(TTL + time.Second)

	online, err := client.IsOnline(ctx, listenerId)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestUnknownListenerOffline(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	online, err := client.IsOnline(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, online)
}
