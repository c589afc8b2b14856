package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/foc/device"
	"go.viam.com/foc/logging"
	"go.viam.com/foc/num"
	"go.viam.com/foc/protocol"
)

// Supervisor owns the control threads of all motor instances. It dispatches commands without
// waiting for acknowledgement and tracks which threads are still active.
type Supervisor[T num.Real[T]] struct {
	logger  logging.Logger
	shared  *Shared
	threads map[int]*Thread[T]
	group   errgroup.Group

	mu      sync.Mutex
	started bool
	errs    map[int]error
}

// NewSupervisor builds one thread per configuration; instance ids are the slice indices.
func NewSupervisor[T num.Real[T]](
	ctx context.Context,
	cfgs []Config,
	open device.Opener,
	clk clock.Clock,
	logger logging.Logger,
) (*Supervisor[T], error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no motor instances configured")
	}
	if len(cfgs) > MaxInstances {
		return nil, errors.Errorf("%d motor instances configured, at most %d supported", len(cfgs), MaxInstances)
	}
	s := &Supervisor[T]{
		logger:  logger,
		shared:  NewShared(),
		threads: make(map[int]*Thread[T], len(cfgs)),
		errs:    map[int]error{},
	}
	for id, cfg := range cfgs {
		t, err := NewThread[T](ctx, id, cfg, open, s.shared, clk, logger)
		if err != nil {
			return nil, multierr.Combine(err, s.closeThreads())
		}
		s.threads[id] = t
	}
	return s, nil
}

func (s *Supervisor[T]) closeThreads() error {
	var err error
	for _, t := range s.threads {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// Shared returns the shared thread context.
func (s *Supervisor[T]) Shared() *Shared {
	return s.shared
}

// IDs returns the instance ids in order.
func (s *Supervisor[T]) IDs() []int {
	ids := lo.Keys(s.threads)
	sort.Ints(ids)
	return ids
}

// Thread returns the thread of an instance.
func (s *Supervisor[T]) Thread(id int) (*Thread[T], bool) {
	t, ok := s.threads[id]
	return t, ok
}

// Start runs every thread. Threads are marked active before Start returns, so commands can be
// sent right away. A thread failing does not stop the others.
func (s *Supervisor[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true
	for _, id := range s.IDs() {
		t := s.threads[id]
		if err := s.shared.Enter(id); err != nil {
			return err
		}
		s.group.Go(func() error {
			err := t.run(ctx)
			if err != nil {
				t.logger.Errorw("control thread failed", "error", err)
			}
			s.mu.Lock()
			s.errs[t.id] = err
			s.mu.Unlock()
			return err
		})
	}
	s.logger.Infow("control threads started", "instances", len(s.threads))
	return nil
}

// Send posts a command to one active instance.
func (s *Supervisor[T]) Send(id int, msg protocol.Message) error {
	t, ok := s.threads[id]
	if !ok {
		return errors.Errorf("no motor instance %d", id)
	}
	if !s.shared.IsActive(id) {
		return errors.Wrapf(ErrInactive, "motor%d", id)
	}
	return t.mailbox.Post(msg)
}

// Broadcast posts a command to every active instance.
func (s *Supervisor[T]) Broadcast(msg protocol.Message) error {
	active := lo.Filter(s.IDs(), func(id int, _ int) bool {
		return s.shared.IsActive(id)
	})
	var err error
	for _, id := range active {
		err = multierr.Append(err, s.threads[id].mailbox.Post(msg))
	}
	return err
}

// Wait blocks until every thread exited and returns the first thread error.
func (s *Supervisor[T]) Wait() error {
	err := s.group.Wait()
	if s.shared.AnyActive() {
		return multierr.Combine(err, errors.Errorf("threads still active: %b", s.shared.Active()))
	}
	return err
}

// Err returns the error an instance exited with.
func (s *Supervisor[T]) Err(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

// Shutdown asks every thread to quit and waits for them. Threads that never ran are closed.
func (s *Supervisor[T]) Shutdown() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return s.closeThreads()
	}
	return multierr.Combine(s.Broadcast(protocol.Message{Type: protocol.Kill}), s.Wait())
}
