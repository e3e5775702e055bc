package engine

import "sync"

// eventBuffer is the per-subscriber queue depth. Progress events beyond
// it evict the oldest queued event; terminal events always land.
const eventBuffer = 64

// reporter fans task events out to subscribers without ever blocking the
// worker pool's critical path.
type reporter struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func newReporter() *reporter {
	return &reporter{}
}

func (r *reporter) subscribe() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

// publish delivers a non-terminal event, dropping the subscriber's oldest
// queued event when its buffer is full.
func (r *reporter) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// close delivers the terminal event to every subscriber, evicting queued
// progress events if needed, then closes the channels. Publishing is
// serialized on the mutex, so eviction always frees a slot.
func (r *reporter) close(terminal Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.subs {
		for {
			select {
			case ch <- terminal:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
		close(ch)
	}
	r.subs = nil
}
