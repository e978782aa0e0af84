package hotness

// Window is a fixed-capacity FIFO of the most recent values.
// It is not safe for concurrent use; the Aggregator serializes access.
type Window[T any] struct {
	entries []T
	head    int // index of the oldest entry once full
	cap     int
}

// NewWindow creates a window holding at most capacity values.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{entries: make([]T, 0, capacity), cap: capacity}
}

// Push appends v, evicting the oldest value when full.
func (w *Window[T]) Push(v T) {
	if len(w.entries) < w.cap {
		w.entries = append(w.entries, v)
		return
	}
	w.entries[w.head] = v
	w.head = (w.head + 1) % w.cap
}

// Len returns the number of values held.
func (w *Window[T]) Len() int { return len(w.entries) }

// Cap returns the capacity.
func (w *Window[T]) Cap() int { return w.cap }

// Items returns a copy in arrival order, oldest first.
func (w *Window[T]) Items() []T {
	out := make([]T, 0, len(w.entries))
	out = append(out, w.entries[w.head:]...)
	out = append(out, w.entries[:w.head]...)
	return out
}
