package stream

import (
    "context"
    "sync"

    "github.com/n1ur0/off-the-grid/internal/model"
)

// Broker fans delivery updates out to live subscribers, keyed by webhook owner.
type Broker interface {
    Subscribe(ownerID string) chan model.DeliveryUpdate
    Unsubscribe(ownerID string, ch chan model.DeliveryUpdate)
    Publish(ownerID string, u model.DeliveryUpdate)
}

// Memory is a process local broker. Slow subscribers drop updates rather than block publishers.
type Memory struct {
    mu   sync.Mutex
    subs map[string]map[chan model.DeliveryUpdate]struct{} // ownerID -> set of channels
}

func NewMemory() *Memory {
    return &Memory{subs: map[string]map[chan model.DeliveryUpdate]struct{}{}}
}

func (b *Memory) Subscribe(ownerID string) chan model.DeliveryUpdate {
    ch := make(chan model.DeliveryUpdate, 16)
    b.mu.Lock()
    if b.subs[ownerID] == nil { b.subs[ownerID] = map[chan model.DeliveryUpdate]struct{}{} }
    b.subs[ownerID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Memory) Unsubscribe(ownerID string, ch chan model.DeliveryUpdate) {
    b.mu.Lock()
    defer b.mu.Unlock()
    m := b.subs[ownerID]
    if _, ok := m[ch]; !ok { return }
    delete(m, ch)
    if len(m) == 0 { delete(b.subs, ownerID) }
    close(ch)
}

func (b *Memory) Publish(ownerID string, u model.DeliveryUpdate) {
    b.mu.Lock()
    for ch := range b.subs[ownerID] {
        select { case ch <- u: default: }
    }
    b.mu.Unlock()
}

// Notify lets the broker receive dispatcher state changes directly.
func (b *Memory) Notify(_ context.Context, ownerID string, u model.DeliveryUpdate) { b.Publish(ownerID, u) }

// Subscribers reports how many live channels an owner has.
func (b *Memory) Subscribers(ownerID string) int {
    b.mu.Lock(); defer b.mu.Unlock()
    return len(b.subs[ownerID])
}
