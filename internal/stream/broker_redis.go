package stream

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"

    "github.com/n1ur0/off-the-grid/internal/model"
)

// Redis implements Broker over Redis Pub/Sub so updates reach subscribers on any replica.
type Redis struct {
    rdb *redis.Client
    log logrus.FieldLogger

    mu   sync.Mutex
    subs map[chan model.DeliveryUpdate]*redis.PubSub
}

func NewRedis(rdb *redis.Client, log logrus.FieldLogger) *Redis {
    if log == nil { log = logrus.StandardLogger() }
    return &Redis{rdb: rdb, log: log, subs: map[chan model.DeliveryUpdate]*redis.PubSub{}}
}

func channelName(ownerID string) string { return "webhook:deliveries:" + ownerID }

func (b *Redis) Subscribe(ownerID string) chan model.DeliveryUpdate {
    ch := make(chan model.DeliveryUpdate, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, channelName(ownerID))
    // wait for the subscription confirmation so no publish is missed
    if _, err := ps.Receive(ctx); err != nil {
        b.log.WithError(err).WithField("owner_id", ownerID).Warn("redis subscribe failed")
    }
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    msgs := ps.Channel()
    go func() {
        for msg := range msgs {
            var u model.DeliveryUpdate
            if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil { continue }
            b.mu.Lock()
            if _, ok := b.subs[ch]; ok {
                select { case ch <- u: default: }
            }
            b.mu.Unlock()
        }
    }()
    return ch
}

func (b *Redis) Unsubscribe(ownerID string, ch chan model.DeliveryUpdate) {
    b.mu.Lock()
    ps, ok := b.subs[ch]
    delete(b.subs, ch)
    if ok { close(ch) }
    b.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (b *Redis) Publish(ownerID string, u model.DeliveryUpdate) {
    b.publish(context.Background(), ownerID, u)
}

func (b *Redis) Notify(ctx context.Context, ownerID string, u model.DeliveryUpdate) {
    b.publish(ctx, ownerID, u)
}

func (b *Redis) publish(ctx context.Context, ownerID string, u model.DeliveryUpdate) {
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    data, err := json.Marshal(u)
    if err != nil { return }
    if err := b.rdb.Publish(ctx, channelName(ownerID), data).Err(); err != nil {
        b.log.WithError(err).WithField("owner_id", ownerID).Warn("redis publish failed")
    }
}
