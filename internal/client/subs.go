package client

// handlers is an owned set of callback registrations. Every add is an
// independent registration with its own removal token: two closures built
// from the same function literal are distinct subscribers, and Go offers no
// way to prove two func values identical, so nothing is collapsed.
type handlers[T any] struct {
	next uint64
	m    map[uint64]T
}

func newHandlers[T any]() *handlers[T] {
	return &handlers[T]{m: make(map[uint64]T)}
}

func (h *handlers[T]) add(fn T) (remove func()) {
	h.next++
	key := h.next
	h.m[key] = fn
	return func() {
		delete(h.m, key)
	}
}

// snapshot returns the registered callbacks for invocation outside any lock.
// Invocation order is unspecified.
func (h *handlers[T]) snapshot() []T {
	out := make([]T, 0, len(h.m))
	for _, fn := range h.m {
		out = append(out, fn)
	}
	return out
}
