// Package notify tells observers that a run committed. There is no payload:
// subscribers re-read the ledger when signalled.
package notify

import (
	"context"
	"sync"
	"time"
)

// Broadcaster fans a change signal out to every subscriber
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives a signal after each commit.
// Each channel buffers one signal, so bursts collapse into one wake-up.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish signals every subscriber without blocking
func (b *Broadcaster) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Debounce calls fn once per quiet period after signals arrive on in.
// Rapid successive signals are coalesced into a single call. It returns
// when ctx is done or in is closed.
func Debounce(ctx context.Context, in <-chan struct{}, wait time.Duration, fn func()) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-in:
			if !ok {
				if timer != nil && timer.Stop() {
					fn()
				}
				return
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			fn()
		}
	}
}
