// Package events delivers "library changed" notifications to interested
// components without coupling them to the writers.
package events

import (
	"sync"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	BatchCommitted  Kind = "batch_committed"
	ScanCompleted   Kind = "scan_completed"
	FolderRemoved   Kind = "folder_removed"
	TrackUpdated    Kind = "track_updated"
	PlaylistChanged Kind = "playlist_changed"
)

// Event is one library change notification.
type Event struct {
	Kind       Kind
	FolderID   int64
	TrackIDs   []int64
	PlaylistID int64
	At         time.Time
}

// Notifier fans events out to callbacks and channels. The zero value is not
// usable; create one with NewNotifier. A nil *Notifier drops every event.
type Notifier struct {
	mutex     sync.RWMutex
	listeners []chan Event
	callbacks map[int]func(Event)
	nextID    int
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make([]chan Event, 0),
		callbacks: make(map[int]func(Event)),
	}
}

// Subscribe registers a callback invoked synchronously on Publish. The
// returned function removes it.
func (n *Notifier) Subscribe(fn func(Event)) (cancel func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	id := n.nextID
	n.nextID++
	n.callbacks[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mutex.Lock()
			delete(n.callbacks, id)
			n.mutex.Unlock()
		})
	}
}

// Channel returns a buffered event channel. Events published while the
// buffer is full are dropped for that listener. The returned function closes
// the channel.
func (n *Notifier) Channel(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	n.mutex.Lock()
	n.listeners = append(n.listeners, ch)
	n.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mutex.Lock()
			defer n.mutex.Unlock()
			for i, listener := range n.listeners {
				if listener == ch {
					close(listener)
					n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every subscriber.
func (n *Notifier) Publish(ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mutex.RLock()
	callbacks := make([]func(Event), 0, len(n.callbacks))
	for _, fn := range n.callbacks {
		callbacks = append(callbacks, fn)
	}
	for _, listener := range n.listeners {
		select {
		case listener <- ev:
		default:
			// Listener is behind; drop rather than block the writer.
		}
	}
	n.mutex.RUnlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}
