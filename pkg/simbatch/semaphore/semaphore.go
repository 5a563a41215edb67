// Package semaphore provides a counting semaphore whose capacity follows
// system memory pressure.
//
// A DynamicSemaphore starts at an initial capacity. While permits are being
// requested it periodically samples a memory probe and moves its capacity
// toward floor(eta*available/perPermitBytes), never above the initial
// capacity and never below the number of permits currently held. Holders are
// never evicted: a shrink only delays new admissions.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/sysmem"
)

var logger = logging.Get("semaphore")

// Errors returned by acquire operations.
var (
	ErrTimeout = errors.New("semaphore: acquire timed out")
	ErrClosed  = errors.New("semaphore: closed")

	// ErrInvalidRelease is wrapped by the panic value of a nil, foreign or
	// repeated release.
	ErrInvalidRelease = errors.New("semaphore: invalid release")

	ErrInvalidCapacity = errors.New("semaphore: invalid capacity")
)

// Defaults applied when the matching option is not given.
const (
	DefaultReevaluateInterval = 250 * time.Millisecond
	DefaultPollInterval       = 100 * time.Millisecond

	// DefaultPerPermitBytes is the footprint of a permit whose job size is
	// unknown: the default per-worker overhead of 50 MiB.
	DefaultPerPermitBytes int64 = 50 << 20
)

// State is a snapshot of the semaphore's bookkeeping.
type State struct {
	Capacity        int `json:"capacity" yaml:"capacity"`
	Outstanding     int `json:"outstanding" yaml:"outstanding"`
	InitialCapacity int `json:"initial_capacity" yaml:"initial_capacity"`
	Waiting         int `json:"waiting" yaml:"waiting"`

	// LowestCapacity is the smallest capacity seen since construction.
	LowestCapacity int `json:"lowest_capacity" yaml:"lowest_capacity"`
}

// Permit is held between a successful acquire and its release.
type Permit struct {
	sem *DynamicSemaphore
	seq uint64
}

// Release returns the permit to its semaphore. See DynamicSemaphore.Release.
func (p *Permit) Release() {
	if p == nil {
		panic(fmt.Errorf("%w: nil permit", ErrInvalidRelease))
	}
	p.sem.Release(p)
}

type waiter struct {
	ready chan *Permit
}

// DynamicSemaphore is a memory-aware counting semaphore. Waiters are served
// in arrival order.
type DynamicSemaphore struct {
	initial   int
	minCap    int
	eta       float64
	perPermit int64
	probe     sysmem.Probe
	poll      time.Duration
	hook      func(State)

	reeval *rate.Sometimes

	// hookMu orders hook calls; published is the version last delivered.
	hookMu    sync.Mutex
	published uint64

	mu       sync.Mutex
	capacity int
	lowest   int
	held     map[*Permit]struct{}
	waiters  []*waiter
	seq      uint64
	version  uint64
	closed   bool
}

// change is a state stamped with the version it was taken at.
type change struct {
	state   State
	version uint64
}

// Option configures a DynamicSemaphore.
type Option func(*options)

type options struct {
	minCap    int
	perPermit int64
	interval  time.Duration
	poll      time.Duration
	hook      func(State)
}

// WithMinCapacity sets the lowest capacity adaptation may shrink to.
// Values below 1 are treated as 1.
func WithMinCapacity(n int) Option {
	return func(o *options) { o.minCap = n }
}

// WithPerPermitBytes sets the memory attributed to each permit, replacing
// DefaultPerPermitBytes. Zero disables adaptation and the semaphore behaves
// as a fixed-size one.
func WithPerPermitBytes(n int64) Option {
	return func(o *options) { o.perPermit = n }
}

// WithReevaluateInterval sets how often the probe may be consulted.
// Zero or negative consults it on every opportunity.
func WithReevaluateInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithPollInterval sets how often a blocked waiter re-checks memory.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

// WithStateHook registers fn to receive the state after every change.
// Calls are serialised and never go backwards: a state older than the last
// delivered one is dropped. fn runs outside the semaphore lock and may call
// State but must not acquire or release.
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.hook = fn }
}

// NewDynamicSemaphore creates a semaphore with the given initial capacity.
// Each permit is assumed to hold DefaultPerPermitBytes unless
// WithPerPermitBytes says otherwise. probe may be nil, in which case capacity
// never changes.
func NewDynamicSemaphore(initialCapacity int, probe sysmem.Probe, eta float64, opts ...Option) (*DynamicSemaphore, error) {
	if initialCapacity < 1 {
		return nil, fmt.Errorf("%w: initial capacity %d", ErrInvalidCapacity, initialCapacity)
	}
	if math.IsNaN(eta) || eta <= 0 || eta > 1 {
		return nil, fmt.Errorf("%w: eta %v outside (0,1]", ErrInvalidCapacity, eta)
	}

	o := options{
		minCap:    1,
		perPermit: DefaultPerPermitBytes,
		interval:  DefaultReevaluateInterval,
		poll:      DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.minCap = min(max(o.minCap, 1), initialCapacity)
	if o.perPermit < 0 {
		o.perPermit = 0
	}
	if o.poll <= 0 {
		o.poll = DefaultPollInterval
	}

	reeval := &rate.Sometimes{Interval: o.interval}
	if o.interval <= 0 {
		reeval = &rate.Sometimes{Every: 1}
	}

	return &DynamicSemaphore{
		initial:   initialCapacity,
		minCap:    o.minCap,
		eta:       eta,
		perPermit: o.perPermit,
		probe:     probe,
		poll:      o.poll,
		hook:      o.hook,
		reeval:    reeval,
		capacity:  initialCapacity,
		lowest:    initialCapacity,
		held:      make(map[*Permit]struct{}),
	}, nil
}

// TryAcquire takes a permit if one is free and nobody is queued ahead.
func (s *DynamicSemaphore) TryAcquire() (*Permit, bool) {
	s.maybeReevaluate()

	s.mu.Lock()
	if s.closed || len(s.waiters) > 0 || len(s.held) >= s.capacity {
		s.mu.Unlock()
		return nil, false
	}
	p := s.grantLocked()
	st := s.changeLocked()
	s.mu.Unlock()

	s.publish(st)
	return p, true
}

// AcquireWait blocks until a permit is granted, the timeout elapses, ctx is
// done or the semaphore is closed. A timeout <= 0 waits without bound.
func (s *DynamicSemaphore) AcquireWait(ctx context.Context, timeout time.Duration) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.maybeReevaluate()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if len(s.waiters) == 0 && len(s.held) < s.capacity {
		p := s.grantLocked()
		st := s.changeLocked()
		s.mu.Unlock()
		s.publish(st)
		return p, nil
	}
	w := &waiter{ready: make(chan *Permit, 1)}
	s.waiters = append(s.waiters, w)
	st := s.changeLocked()
	s.mu.Unlock()
	s.publish(st)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-w.ready:
			if !ok {
				return nil, ErrClosed
			}
			return p, nil
		case <-ticker.C:
			s.maybeReevaluate()
		case <-ctx.Done():
			return nil, s.abandon(w, ctx.Err())
		case <-deadline:
			return nil, s.abandon(w, ErrTimeout)
		}
	}
}

// Acquire takes a permit. When blocking is false it behaves like TryAcquire;
// otherwise like AcquireWait. The bool reports whether a permit was granted.
func (s *DynamicSemaphore) Acquire(ctx context.Context, blocking bool, timeout time.Duration) (*Permit, bool) {
	if !blocking {
		return s.TryAcquire()
	}
	p, err := s.AcquireWait(ctx, timeout)
	return p, err == nil
}

// Release returns p and hands the slot to the oldest waiter. Releasing a nil
// permit, a permit from another semaphore, or the same permit twice panics
// with an error wrapping ErrInvalidRelease.
func (s *DynamicSemaphore) Release(p *Permit) {
	if p == nil {
		panic(fmt.Errorf("%w: nil permit", ErrInvalidRelease))
	}
	if p.sem != s {
		panic(fmt.Errorf("%w: permit belongs to another semaphore", ErrInvalidRelease))
	}

	s.mu.Lock()
	if _, ok := s.held[p]; !ok {
		s.mu.Unlock()
		panic(fmt.Errorf("%w: permit %d already released", ErrInvalidRelease, p.seq))
	}
	delete(s.held, p)
	s.dispatchLocked()
	st := s.changeLocked()
	s.mu.Unlock()

	s.publish(st)
}

// State returns a consistent snapshot of the semaphore.
func (s *DynamicSemaphore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Close fails all current and future waiters with ErrClosed. Outstanding
// permits remain valid and may still be released.
func (s *DynamicSemaphore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, w := range s.waiters {
		close(w.ready)
	}
	s.waiters = nil
	st := s.changeLocked()
	s.mu.Unlock()

	s.publish(st)
}

// Reevaluate samples the probe now, ignoring the rate limit.
func (s *DynamicSemaphore) Reevaluate() {
	s.reevaluate()
}

func (s *DynamicSemaphore) maybeReevaluate() {
	if s.probe == nil || s.perPermit <= 0 {
		return
	}
	s.reeval.Do(s.reevaluate)
}

func (s *DynamicSemaphore) reevaluate() {
	if s.probe == nil || s.perPermit <= 0 {
		return
	}

	snap, err := s.probe.Snapshot()
	if err != nil {
		logger.Debug("memory probe failed, keeping capacity", "error", err)
		return
	}

	fits := math.Floor(s.eta * float64(snap.AvailableBytes) / float64(s.perPermit))
	target := s.initial
	if fits < float64(s.initial) {
		target = int(fits)
	}

	s.mu.Lock()
	target = min(max(target, s.minCap, len(s.held)), s.initial)
	prev := s.capacity
	s.capacity = target
	s.lowest = min(s.lowest, target)
	s.dispatchLocked()
	st := s.changeLocked()
	s.mu.Unlock()

	if target != prev {
		logger.Debug("capacity adjusted",
			"from", prev,
			"to", target,
			"available", snap.AvailableBytes,
			"outstanding", st.state.Outstanding,
		)
		s.publish(st)
	}
}

func (s *DynamicSemaphore) abandon(w *waiter, cause error) error {
	s.mu.Lock()
	for i, q := range s.waiters {
		if q == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			st := s.changeLocked()
			s.mu.Unlock()
			s.publish(st)
			return cause
		}
	}

	// Granted or closed while we were giving up.
	select {
	case p, ok := <-w.ready:
		if ok && p != nil {
			delete(s.held, p)
			s.dispatchLocked()
		}
	default:
	}
	st := s.changeLocked()
	s.mu.Unlock()
	s.publish(st)
	return cause
}

// grantLocked issues a new permit. s.mu must be held.
func (s *DynamicSemaphore) grantLocked() *Permit {
	s.seq++
	p := &Permit{sem: s, seq: s.seq}
	s.held[p] = struct{}{}
	return p
}

// dispatchLocked hands free slots to waiters in arrival order.
func (s *DynamicSemaphore) dispatchLocked() {
	for len(s.waiters) > 0 && len(s.held) < s.capacity {
		w := s.waiters[0]
		s.waiters[0] = nil
		s.waiters = s.waiters[1:]
		w.ready <- s.grantLocked()
	}
}

func (s *DynamicSemaphore) stateLocked() State {
	return State{
		Capacity:        s.capacity,
		Outstanding:     len(s.held),
		InitialCapacity: s.initial,
		Waiting:         len(s.waiters),
		LowestCapacity:  s.lowest,
	}
}

// changeLocked records a state change and returns it for publishing.
// s.mu must be held.
func (s *DynamicSemaphore) changeLocked() change {
	s.version++
	return change{state: s.stateLocked(), version: s.version}
}

func (s *DynamicSemaphore) publish(c change) {
	if s.hook == nil {
		return
	}
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if c.version <= s.published {
		return
	}
	s.published = c.version
	s.hook(c.state)
}
