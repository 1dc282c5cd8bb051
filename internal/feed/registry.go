package feed

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type registration[T any] struct {
	id     uint64
	fn     func(T)
	active atomic.Bool
}

// registry maps a key to callbacks in registration order. Cancellation marks
// the registration inactive before removing it, so a dispatch that already
// took a snapshot skips it.
type registry[K comparable, T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[K][]*registration[T]
}

func newRegistry[K comparable, T any]() *registry[K, T] {
	return &registry[K, T]{subs: make(map[K][]*registration[T])}
}

func (r *registry[K, T]) add(key K, fn func(T)) func() {
	reg := &registration[T]{fn: fn}
	reg.active.Store(true)

	r.mu.Lock()
	r.nextID++
	reg.id = r.nextID
	r.subs[key] = append(r.subs[key], reg)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			reg.active.Store(false)
			r.remove(key, reg.id)
		})
	}
}

func (r *registry[K, T]) remove(key K, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.subs[key]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		next := make([]*registration[T], 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, key)
		} else {
			r.subs[key] = next
		}
		return
	}
}

// snapshot returns the current registrations for key. The returned slice is
// never mutated by later add/remove calls.
func (r *registry[K, T]) snapshot(key K) []*registration[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[key]
}

func (r *registry[K, T]) count(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// dispatch invokes every active callback for key with v. A panicking callback
// is logged and does not prevent delivery to the rest.
func (r *registry[K, T]) dispatch(key K, v T) int {
	delivered := 0
	for _, reg := range r.snapshot(key) {
		if !reg.active.Load() {
			continue
		}
		if invoke(reg.fn, v) {
			delivered++
		}
	}
	return delivered
}

func invoke[T any](fn func(T), v T) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Feed subscriber panicked; continuing with remaining subscribers")
			ok = false
		}
	}()
	fn(v)
	return true
}
