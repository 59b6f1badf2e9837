package stream

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    redis "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/n1ur0/off-the-grid/internal/model"
)

func TestMemoryPublishSubscribe(t *testing.T) {
    b := NewMemory()
    ch := b.Subscribe("alice")
    other := b.Subscribe("bob")

    u := model.DeliveryUpdate{DeliveryID: "d1", WebhookID: "w1", Status: model.DeliverySuccess, AttemptCount: 1}
    b.Notify(context.Background(), "alice", u)

    select {
    case got := <-ch:
        assert.Equal(t, u, got)
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for update")
    }
    select {
    case got := <-other:
        t.Fatalf("bob received alice's update: %+v", got)
    default:
    }

    b.Unsubscribe("alice", ch)
    _, ok := <-ch
    assert.False(t, ok, "channel should be closed after unsubscribe")
    assert.Zero(t, b.Subscribers("alice"))
    // second unsubscribe is a no-op
    b.Unsubscribe("alice", ch)
    assert.Equal(t, 1, b.Subscribers("bob"))
}

func TestMemorySlowSubscriberDrops(t *testing.T) {
    b := NewMemory()
    ch := b.Subscribe("alice")
    for i := 0; i < 100; i++ {
        b.Publish("alice", model.DeliveryUpdate{AttemptCount: i})
    }
    assert.Len(t, ch, cap(ch))
}

func TestRedisBroker(t *testing.T) {
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    defer rdb.Close()
    b := NewRedis(rdb, nil)

    ch := b.Subscribe("alice")
    u := model.DeliveryUpdate{DeliveryID: "d1", EventType: "grid.created", Status: model.DeliveryRetrying, AttemptCount: 2}
    b.Notify(context.Background(), "alice", u)

    select {
    case got := <-ch:
        assert.Equal(t, "d1", got.DeliveryID)
        assert.Equal(t, model.DeliveryRetrying, got.Status)
        assert.Equal(t, 2, got.AttemptCount)
    case <-time.After(2 * time.Second):
        t.Fatal("timeout waiting for redis update")
    }

    b.Unsubscribe("alice", ch)
    _, ok := <-ch
    assert.False(t, ok)
    require.Eventually(t, func() bool {
        return len(mr.PubSubChannels("webhook:deliveries:*")) == 0
    }, 2*time.Second, 20*time.Millisecond)
}
