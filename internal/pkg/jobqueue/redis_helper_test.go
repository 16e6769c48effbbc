package jobqueue

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repairmybike/rmb-backend/internal/pkg/env"
)

// queueTestDB keeps queue keys away from the cache and session databases.
const queueTestDB = 14

type redisQueue struct {
	client     *redis.Client
	queue      *Queue
	dispatcher *fakeDispatcher
	sender     *fakeSender
}

// newRedisQueue connects to the cache Redis configured for the app, wipes
// queueTestDB and returns a queue with the dispatch and email handlers bound
// to fakes. The test is skipped when Redis is not reachable.
func newRedisQueue(t *testing.T, workers int) *redisQueue {
	t.Helper()

	addr := net.JoinHostPort(env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       queueTestDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("flush redis db %d: %v", queueTestDB, err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	rq := &redisQueue{
		client:     client,
		queue:      NewQueue(client, workers),
		dispatcher: &fakeDispatcher{},
		sender:     &fakeSender{err: errors.New("smtp down")},
	}
	rq.queue.RegisterDispatch(rq.dispatcher)
	rq.queue.RegisterEmail(rq.sender)
	return rq
}
