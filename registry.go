package streamclient

import (
	"sync"
)

type (
	callback[T any] func(T)

	// Unsubscribe removes the listeners registered by the call that returned it. Calling it
	// more than once is a no-op.
	Unsubscribe func()

	listener[V any] struct {
		id uint64
		fn callback[V]
	}
)

// Registry maps keys (of type K) to ordered lists of listeners receiving values of type V.
// Listeners run in insertion order, synchronously, outside the registry lock, so they are free
// to subscribe or unsubscribe from within a callback.
type Registry[K comparable, V any] struct {
	listeners map[K][]listener[V]
	nextID    uint64
	onPanic   func(key K, recovered any)
	lock      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		listeners: make(map[K][]listener[V]),
	}
}

// OnPanic sets the hook receiving values recovered from panicking listeners.
func (r *Registry[K, V]) OnPanic(fn func(key K, recovered any)) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.onPanic = fn
}

// On registers a new listener for key and returns its disposer.
func (r *Registry[K, V]) On(key K, fn func(V)) Unsubscribe {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners[key] = append(r.listeners[key], listener[V]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, id) })
	}
}

// Emit invokes every listener registered for key with value and returns how many ran. A
// panicking listener is recovered and reported, the rest still run.
func (r *Registry[K, V]) Emit(key K, value V) int {
	r.lock.RLock()
	found := r.listeners[key]
	snapshot := make([]listener[V], len(found))
	copy(snapshot, found)
	onPanic := r.onPanic
	r.lock.RUnlock()

	for _, l := range snapshot {
		invoke(key, l.fn, value, onPanic)
	}

	return len(snapshot)
}

// Len returns the number of listeners registered for key.
func (r *Registry[K, V]) Len(key K) int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.listeners[key])
}

// Keys returns the number of keys with at least one listener.
func (r *Registry[K, V]) Keys() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.listeners)
}

// Clear removes all listeners. Disposers handed out before stay valid and become no-ops.
func (r *Registry[K, V]) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.listeners = make(map[K][]listener[V])
}

func (r *Registry[K, V]) remove(key K, id uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	list, found := r.listeners[key]
	if !found {
		return
	}

	for i, l := range list {
		if l.id != id {
			continue
		}
		next := make([]listener[V], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		list = next
		break
	}

	if len(list) == 0 {
		delete(r.listeners, key)
		return
	}
	r.listeners[key] = list
}

func invoke[K comparable, V any](key K, fn callback[V], value V, onPanic func(K, any)) {
	defer func() {
		if rec := recover(); rec != nil && onPanic != nil {
			onPanic(key, rec)
		}
	}()

	fn(value)
}
