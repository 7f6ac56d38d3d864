// Package subscription fans out change notifications from the task store and
// the replication engine to any number of consumers, decoupling storage from
// presentation.
package subscription

import "sync"

// Broker delivers coalesced change signals. Each subscriber owns a buffered
// channel; a subscriber that has not drained its previous signal sees a
// single pending one rather than a backlog.
type Broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers a new listener channel.
func (b *Broker) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel. Safe to call more than once.
func (b *Broker) Unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify signals every subscriber without blocking.
func (b *Broker) Notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}
