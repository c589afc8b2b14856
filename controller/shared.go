// Package controller runs one control thread per motor instance and the supervisor dispatching
// commands to them.
package controller

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
)

// MaxInstances is the number of instances the active bitmask can track.
const MaxInstances = 64

// ErrInactive is returned when sending to an instance whose thread is not running.
var ErrInactive = errors.New("instance is not active")

// Shared is the context shared by all control threads: which instances are active, and how many.
type Shared struct {
	mu     sync.Mutex
	active uint64
	refs   atomic.Int32
}

// NewShared returns an empty shared context.
func NewShared() *Shared {
	return &Shared{}
}

// Enter marks an instance active.
func (s *Shared) Enter(id int) error {
	if id < 0 || id >= MaxInstances {
		return errors.Errorf("instance id %d out of range [0, %d)", id, MaxInstances)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active&(1<<id) != 0 {
		return errors.Errorf("instance %d is already active", id)
	}
	s.active |= 1 << id
	s.refs.Inc()
	return nil
}

// Exit marks an instance inactive.
func (s *Shared) Exit(id int) {
	if id < 0 || id >= MaxInstances {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active&(1<<id) == 0 {
		return
	}
	s.active &^= 1 << id
	s.refs.Dec()
}

// IsActive reports whether an instance is active.
func (s *Shared) IsActive(id int) bool {
	if id < 0 || id >= MaxInstances {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active&(1<<id) != 0
}

// AnyActive reports whether any instance is still active.
func (s *Shared) AnyActive() bool {
	return s.refs.Load() > 0
}

// Active returns the active bitmask.
func (s *Shared) Active() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Count returns the number of active instances.
func (s *Shared) Count() int {
	return bits.OnesCount64(s.Active())
}

// WaitIdle polls until no instance is active or ctx is done.
func (s *Shared) WaitIdle(ctx context.Context, interval time.Duration) error {
	for s.AnyActive() {
		if !goutils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
	return nil
}
