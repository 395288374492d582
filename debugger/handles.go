// Copyright © 2024 The ELPS authors

package debugger

const startHandle = 1000

// handles maps values to opaque sequential ids handed to the client.
// Ids are never reused across resets, so a handle from a previous stop
// cannot alias a frame of the current one.
type handles[T any] struct {
	next  int
	byRef map[int]T
}

func newHandles[T any]() *handles[T] {
	return &handles[T]{next: startHandle, byRef: make(map[int]T)}
}

func (h *handles[T]) create(v T) int {
	id := h.next
	h.next++
	h.byRef[id] = v
	return id
}

func (h *handles[T]) get(id int) (T, bool) {
	v, ok := h.byRef[id]
	return v, ok
}

func (h *handles[T]) reset() {
	h.byRef = make(map[int]T)
}

// detach empties h and returns the previous contents.
func (h *handles[T]) detach() map[int]T {
	old := h.byRef
	h.byRef = make(map[int]T)
	return old
}

// restore brings back contents returned by detach.
func (h *handles[T]) restore(byRef map[int]T) {
	h.byRef = byRef
}

func (h *handles[T]) len() int {
	return len(h.byRef)
}
