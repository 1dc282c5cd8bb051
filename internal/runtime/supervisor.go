package runtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs named workers concurrently and shuts them down in the
// reverse of the order they were added. The first worker to fail stops the
// rest.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	failed  chan struct{}
}

func NewSupervisor() *Supervisor {
	return &Supervisor{failed: make(chan struct{})}
}

// Add registers a worker. run may be nil for components that only need to be
// closed on shutdown (for example a store that other workers feed).
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.WithField("worker", name).Warn("Worker added after supervisor start will not be run")
	}
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		if w.run == nil {
			continue
		}
		s.wg.Add(1)
		go func(w worker) {
			defer s.wg.Done()
			log.WithField("worker", w.name).Debug("Worker started")
			if err := w.run(ctx); err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker exited with error")
				s.errOnce.Do(func() {
					s.err = err
					close(s.failed)
				})
				return
			}
			log.WithField("worker", w.name).Debug("Worker exited")
		}(w)
	}
	return nil
}

// Wait blocks until ctx is done or a worker fails, closes every worker in
// reverse order and waits for their run functions to return. It returns the
// first run error.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.failed:
		log.Warn("Shutting down after worker failure")
	}

	s.mu.Lock()
	workers := append([]worker(nil), s.workers...)
	cancel := s.cancel
	s.mu.Unlock()

	for i := len(workers) - 1; i >= 0; i-- {
		if workers[i].closeF == nil {
			continue
		}
		if err := workers[i].closeF(); err != nil {
			log.WithField("worker", workers[i].name).WithError(err).Warn("Worker close failed")
		}
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.err
}
