/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
)

const (
	// TTL is the liveness window; a listener whose status key expired is dead.
	TTL = 180 * time.Second

	keyPrefixFormat = "tp:listener:%s"

	StatusOnline = "online"
)

// State is the full liveness record a listener republishes on every beat.
// There are no partial updates.
type State struct {
	Capacity          int      `json:"capacity"`
	ActiveRuns        int      `json:"active_runs"`
	RunnerDefinitions []string `json:"runner_definitions"`
}

type Interface interface {
	Publish(ctx context.Context, listenerId uuid.UUID, state State) error
	IsOnline(ctx context.Context, listenerId uuid.UUID) (bool, error)
	Get(ctx context.Context, listenerId uuid.UUID) (*State, error)
	Close() error
}

var (
	once     sync.Once
	instance *Client
)

// Client publishes listener liveness to the ephemeral store. Loss of the
// store degrades liveness detection but cannot corrupt run state.
type Client struct {
	rdb *redis.Client
}

func NewClient() *Client {
	once.Do(func() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     commonconfig.GetRedisAddr(),
			Password: commonconfig.GetRedisPassword(),
			DB:       commonconfig.GetRedisDB(),
		})
		instance = &Client{rdb: rdb}
		klog.Infof("init heartbeat client, addr: %s", commonconfig.GetRedisAddr())
	})
	return instance
}

// NewClientWithRedis wraps an existing redis client, for tests.
func NewClientWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func keyPrefix(listenerId uuid.UUID) string {
	return fmt.Sprintf(keyPrefixFormat, listenerId)
}

func (c *Client) Publish(ctx context.Context, listenerId uuid.UUID, state State) error {
	defs, err := json.Marshal(state.RunnerDefinitions)
	if err != nil {
		return err
	}
	prefix := keyPrefix(listenerId)
	pipe := c.rdb.Pipeline()
	pipe.SetEx(ctx, prefix+":status", StatusOnline, TTL)
	pipe.SetEx(ctx, prefix+":heartbeat", strconv.FormatInt(time.Now().Unix(), 10), TTL)
	pipe.SetEx(ctx, prefix+":capacity", strconv.Itoa(state.Capacity), TTL)
	pipe.SetEx(ctx, prefix+":active_runs", strconv.Itoa(state.ActiveRuns), TTL)
	pipe.SetEx(ctx, prefix+":runner_defs", string(defs), TTL)
	if _, err = pipe.Exec(ctx); err != nil {
		klog.ErrorS(err, "failed to publish heartbeat", "listener", listenerId)
		return err
	}
	return nil
}

func (c *Client) IsOnline(ctx context.Context, listenerId uuid.UUID) (bool, error) {
	status, err := c.rdb.Get(ctx, keyPrefix(listenerId)+":status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusOnline, nil
}

func (c *Client) Get(ctx context.Context, listenerId uuid.UUID) (*State, error) {
	prefix := keyPrefix(listenerId)
	values, err := c.rdb.MGet(ctx, prefix+":capacity", prefix+":active_runs", prefix+":runner_defs").Result()
	if err != nil {
		return nil, err
	}
	state := &State{}
	if raw, ok := values[0].(string); ok {
		state.Capacity, _ = strconv.Atoi(raw)
	}
	if raw, ok := values[1].(string); ok {
		state.ActiveRuns, _ = strconv.Atoi(raw)
	}
	if raw, ok := values[2].(string); ok {
		if err = json.Unmarshal([]byte(raw), &state.RunnerDefinitions); err != nil {
			klog.ErrorS(err, "failed to parse runner definitions", "listener", listenerId)
		}
	}
	return state, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
