package db

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &RedisStore{Client: client, Ctx: context.Background()}
	t.Cleanup(store.Close)
	return store, mr
}

func TestRedisControlPubSub(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := store.SubscribeControl(ctx, "exchange-control")
	require.NoError(t, err)

	require.NoError(t, store.PublishControl(ctx, "exchange-control", []byte(`{"exchange":"demo","action":"enable"}`)))
	select {
	case m := <-msgs:
		assert.JSONEq(t, `{"exchange":"demo","action":"enable"}`, string(m))
	case <-time.After(2 * time.Second):
		t.Fatal("no control message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "channel closes after cancel")
}

func TestRedisHeartbeat(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordHeartbeat(ctx, "router-1", time.Minute))
	require.NoError(t, store.RecordHeartbeat(ctx, "router-2", 10*time.Second))
	require.NoError(t, mr.Set("unrelated", "x"))

	live, err := store.LiveInstances(ctx)
	require.NoError(t, err)
	sort.Strings(live)
	assert.Equal(t, []string{"router-1", "router-2"}, live)

	mr.FastForward(30 * time.Second)
	live, err = store.LiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"router-1"}, live)
}

func TestRedisHeartbeatError(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	err := store.RecordHeartbeat(context.Background(), "router-1", time.Minute)
	assert.Error(t, err)
}
