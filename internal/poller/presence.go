package poller

import "sync"

// Presence counts attached viewers. It is visible while at least one viewer
// holds it.
//
// Listeners run one at a time and always observe alternating values ending
// in the current visibility. They must not call back into the Presence.
type Presence struct {
	mu        sync.Mutex
	count     int
	nextID    int
	listeners map[int]func(bool)

	notifyMu sync.Mutex
	notified bool
}

func NewPresence() *Presence {
	return &Presence{listeners: make(map[int]func(bool))}
}

// Acquire marks one more viewer as present. The returned function releases it
// and may be called more than once.
func (p *Presence) Acquire() func() {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	p.publish()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.count--
			p.mu.Unlock()
			p.publish()
		})
	}
}

// publish reports the visibility read at delivery time, so a slow edge can
// never overtake a later one.
func (p *Presence) publish() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	visible := p.count > 0
	if visible == p.notified {
		p.mu.Unlock()
		return
	}
	p.notified = visible
	fns := p.snapshotLocked()
	p.mu.Unlock()

	notify(fns, visible)
}

func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Presence) Visible() bool {
	return p.Count() > 0
}

func (p *Presence) OnVisibilityChange(fn func(bool)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Presence) snapshotLocked() []func(bool) {
	fns := make([]func(bool), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(bool), visible bool) {
	for _, fn := range fns {
		fn(visible)
	}
}

// AlwaysVisible is used when polling should not depend on viewers.
type AlwaysVisible struct{}

func (AlwaysVisible) Visible() bool { return true }

func (AlwaysVisible) OnVisibilityChange(func(bool)) func() { return func() {} }
