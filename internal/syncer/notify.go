package syncer

import "sync"

const subscriberBuffer = 8

// Notifier fans a payload-free event out to any number of listeners.
// Broadcast never blocks; a listener that falls behind misses events.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

// NewNotifier returns a notifier with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel receiving one value per event and a function
// that removes the listener and closes the channel.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan struct{}, subscriberBuffer)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
			close(ch)
		})
	}
}

// Broadcast delivers the event to every current listener.
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
