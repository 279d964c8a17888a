//go:build integration

// Integration tests for the Redis client against a testcontainers Redis.
//
//	go test -v -race -tags=integration ./pkg/clients/redis/...
package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/accessgate/internal/testutil/containers"
	"github.com/StricklySoft/accessgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

type RedisIntegrationSuite struct {
	suite.Suite

	ctx         context.Context
	redisResult *containers.RedisResult
	client      *redis.Client
}

func (s *RedisIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartRedis(s.ctx)
	require.NoError(s.T(), err, "failed to start Redis container")
	s.redisResult = result

	client, err := redis.NewClient(s.ctx, redis.Config{URI: result.ConnString})
	require.NoError(s.T(), err, "failed to connect to Redis")
	s.client = client
}

func (s *RedisIntegrationSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.redisResult != nil {
		_ = s.redisResult.Container.Terminate(s.ctx)
	}
}

func TestRedisIntegration(t *testing.T) {
	suite.Run(t, new(RedisIntegrationSuite))
}

func (s *RedisIntegrationSuite) key(name string) string {
	return fmt.Sprintf("test:%s:%d", name, time.Now().UnixNano())
}

func (s *RedisIntegrationSuite) TestHealth() {
	s.NoError(s.client.Health(s.ctx))
}

func (s *RedisIntegrationSuite) TestIncrementWindow_CountsAndExpires() {
	key := s.key("counts")

	count, ttl, err := s.client.IncrementWindow(s.ctx, key, 300*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
	s.InDelta(float64(300*time.Millisecond), float64(ttl), float64(50*time.Millisecond))

	count, _, err = s.client.IncrementWindow(s.ctx, key, 300*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(int64(2), count)

	time.Sleep(400 * time.Millisecond)

	count, _, err = s.client.IncrementWindow(s.ctx, key, 300*time.Millisecond)
	s.Require().NoError(err)
	s.Equal(int64(1), count, "a new window starts after expiry")
}

func (s *RedisIntegrationSuite) TestIncrementWindow_WindowNotExtendedByHits() {
	key := s.key("fixed")

	_, first, err := s.client.IncrementWindow(s.ctx, key, time.Second)
	s.Require().NoError(err)
	time.Sleep(200 * time.Millisecond)
	_, second, err := s.client.IncrementWindow(s.ctx, key, time.Second)
	s.Require().NoError(err)

	s.Less(second, first)
}

func (s *RedisIntegrationSuite) TestIncrementWindow_Concurrent() {
	key := s.key("concurrent")
	const workers = 50

	var wg sync.WaitGroup
	counts := make(chan int64, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := s.client.IncrementWindow(s.ctx, key, time.Minute)
			s.NoError(err)
			counts <- c
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool, workers)
	for c := range counts {
		s.False(seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	s.Len(seen, workers)
}

func (s *RedisIntegrationSuite) TestDel() {
	key := s.key("del")
	_, _, err := s.client.IncrementWindow(s.ctx, key, time.Minute)
	s.Require().NoError(err)

	n, err := s.client.Del(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *RedisIntegrationSuite) TestNewClient_Unreachable() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	_, err := redis.NewClient(ctx, redis.Config{URI: "redis://127.0.0.1:1/0", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	s.Require().Error(err)
	s.True(sserr.IsUnavailable(err))
}
