package event

import "sync"

// Bus holds one ordered observer list per event name. Emit may be called
// from any goroutine and is double-buffered: events emitted before
// SwapBuffers are delivered by the following DispatchAll. Registration and
// delivery belong to the game loop.
type Bus struct {
	mu    sync.Mutex // protects back
	front []queued
	back  []queued

	lists   map[string][]*Listener
	scratch []*Listener
}

func NewBus() *Bus {
	return &Bus{
		lists: make(map[string][]*Listener),
	}
}

// On appends l to the named list. A nil listener is ignored.
func (b *Bus) On(name string, l *Listener) bool {
	if l == nil || l.fn == nil {
		return false
	}
	b.lists[name] = append(b.lists[name], l)
	return true
}

// Off removes the most recently added registration of l from the named list,
// keeping the order of the others.
func (b *Bus) Off(name string, l *Listener) bool {
	list := b.lists[name]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] != l {
			continue
		}
		copy(list[i:], list[i+1:])
		list[len(list)-1] = nil
		list = list[:len(list)-1]
		if len(list) == 0 {
			delete(b.lists, name)
		} else {
			b.lists[name] = list
		}
		return true
	}
	return false
}

// Count returns the number of registrations for name.
func (b *Bus) Count(name string) int {
	return len(b.lists[name])
}

// Emit queues an event for the next DispatchAll.
func (b *Bus) Emit(name string, payload any) {
	b.mu.Lock()
	b.back = append(b.back, queued{name: name, payload: payload})
	b.mu.Unlock()
}

// SwapBuffers rotates back→front and clears the new back buffer.
func (b *Bus) SwapBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.front)
	b.front, b.back = b.back, b.front[:0]
}

// DispatchAll delivers the front buffer in emission order.
func (b *Bus) DispatchAll() {
	for _, ev := range b.front {
		b.Deliver(ev.name, ev.payload)
	}
}

// Deliver invokes the named list synchronously, in registration order.
// Listeners added or removed during delivery take effect next time.
func (b *Bus) Deliver(name string, payload any) {
	list := b.lists[name]
	if len(list) == 0 {
		return
	}
	start := len(b.scratch)
	b.scratch = append(b.scratch, list...)
	for _, l := range b.scratch[start:] {
		l.fn(payload)
	}
	clear(b.scratch[start:])
	b.scratch = b.scratch[:start]
}
