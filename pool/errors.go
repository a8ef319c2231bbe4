package pool

import "errors"

// ErrInvalidPoolConstraints is returned by New/NewManual when 0 < max and
// min <= max do not both hold.
var ErrInvalidPoolConstraints = errors.New("pool: invalid pool constraints: require 0 < max and min <= max")

// ErrPoisonedPoolMutex is returned by any acquisition once a prior holder of
// the pool's critical section has panicked. The pool does not self-repair
// from this state.
var ErrPoisonedPoolMutex = errors.New("pool: poisoned pool mutex")

// ErrTimeout is returned by TryGet when the requested duration elapses
// before a connection becomes available.
var ErrTimeout = errors.New("pool: acquire timeout")

// ErrPoolClosed is returned by any acquisition performed after Close.
var ErrPoolClosed = errors.New("pool: closed")
