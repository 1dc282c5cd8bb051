package sink

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/runtime"
)

const (
	forwarderQueueLimit = 4096
	writeTimeout        = 5 * time.Second
)

type EventSource interface {
	Subscribe(kind feed.Kind, fn func(feed.Event)) func()
}

// Forwarder feeds one sink from its own queue so a slow or failing sink never
// holds up the feed's read loop.
type Forwarder struct {
	sink   Sink
	mb     *runtime.Mailbox[feed.Event]
	unsubs []func()

	closeOnce sync.Once
	closeErr  error
}

func NewForwarder(s Sink) *Forwarder {
	return &Forwarder{
		sink: s,
		mb:   runtime.NewMailbox[feed.Event](forwarderQueueLimit),
	}
}

// Attach subscribes the forwarder to every known event kind.
func (f *Forwarder) Attach(src EventSource) {
	for _, kind := range feed.Kinds() {
		f.unsubs = append(f.unsubs, src.Subscribe(kind, func(ev feed.Event) {
			f.mb.Push(ev)
		}))
	}
}

func (f *Forwarder) Name() string { return f.sink.Name() }

// Start drains the queue into the sink until ctx is done or Close is called.
func (f *Forwarder) Start(ctx context.Context) error {
	log.WithField("sink", f.sink.Name()).Info("Starting event sink")
	defer log.WithField("sink", f.sink.Name()).Info("Stopping event sink")

	f.mb.Release()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-f.mb.C():
			if !ok {
				return nil
			}
			f.write(ctx, ev)
		}
	}
}

func (f *Forwarder) write(ctx context.Context, ev feed.Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := f.sink.Write(ctx, ev); err != nil {
		log.WithFields(log.Fields{
			"sink": f.sink.Name(),
			"kind": ev.Kind,
			"id":   ev.ID,
		}).WithError(err).Warn("Failed to forward hardware event")
		return
	}
	log.WithFields(log.Fields{
		"sink": f.sink.Name(),
		"kind": ev.Kind,
		"id":   ev.ID,
	}).Trace("Forwarded hardware event")
}

// Close detaches from the feed, drops anything still queued and closes the
// sink.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		for _, unsub := range f.unsubs {
			unsub()
		}
		if dropped := f.mb.Dropped(); dropped > 0 {
			log.WithFields(log.Fields{
				"sink":    f.sink.Name(),
				"dropped": dropped,
			}).Warn("Event sink queue overflowed")
		}
		f.mb.Close()
		f.closeErr = f.sink.Close()
	})
	return f.closeErr
}
