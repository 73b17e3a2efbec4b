// Package optrcpubsub fans values out to subscribers without ever blocking
// the publisher.
package optrcpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	errAlreadySubscribed = errors.New("already subscribed")
	errNotSubscribed     = errors.New("not subscribed")
)

// Broker delivers published values to subscribed channels. Publish never
// blocks: a subscriber whose channel is full drops the value.
type Broker[T any] struct {
	clone func(T) T
	n     atomic.Int64

	mtx  sync.Mutex
	subs map[chan<- T]*subscriber[T]
}

type subscriber[T any] struct {
	allow func(T) bool
	ch    chan<- T
	stats Stats
}

// NewBroker returns a broker that gives every subscriber its own copy of each
// published value, produced by clone. A nil clone func delivers values as
// they are, which is only safe for values without shared mutable state.
func NewBroker[T any](clone func(T) T) *Broker[T] {
	return &Broker[T]{
		clone: clone,
		subs:  map[chan<- T]*subscriber[T]{},
	}
}

// Publish the value to all subscribers which allow it. The value isn't
// retained after Publish returns.
func (b *Broker[T]) Publish(val T) {
	if b.n.Load() <= 0 {
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, sub := range b.subs {
		sub.offer(b.view(val))
	}
}

func (b *Broker[T]) view(val T) T {
	if b.clone == nil {
		return val
	}
	return b.clone(val)
}

func (sub *subscriber[T]) offer(val T) {
	if sub.allow != nil && !sub.allow(val) {
		sub.stats.Skips++
		return
	}
	select {
	case sub.ch <- val:
		sub.stats.Sends++
	default:
		sub.stats.Drops++
	}
}

// Subscribe forwards published values which pass allow to ch, until the
// context is canceled. A nil allow function allows everything. Subscribe
// blocks, and returns the delivery stats of the subscription.
func (b *Broker[T]) Subscribe(ctx context.Context, allow func(T) bool, ch chan<- T) (Stats, error) {
	if err := b.add(&subscriber[T]{allow: allow, ch: ch}); err != nil {
		return Stats{}, err
	}

	<-ctx.Done()

	stats, err := b.remove(ch)
	if err != nil {
		return Stats{}, fmt.Errorf("remove subscriber: %w", err)
	}
	return stats, ctx.Err()
}

func (b *Broker[T]) add(sub *subscriber[T]) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.subs[sub.ch]; ok {
		return errAlreadySubscribed
	}
	b.subs[sub.ch] = sub
	b.n.Store(int64(len(b.subs)))
	return nil
}

func (b *Broker[T]) remove(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subs[ch]
	if !ok {
		return Stats{}, errNotSubscribed
	}
	delete(b.subs, ch)
	b.n.Store(int64(len(b.subs)))
	return sub.stats, nil
}

// Stats returns the current stats of an active subscription.
func (b *Broker[T]) Stats(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subs[ch]
	if !ok {
		return Stats{}, errNotSubscribed
	}
	return sub.stats, nil
}

// Stats counts what happened to values published to a subscriber.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
