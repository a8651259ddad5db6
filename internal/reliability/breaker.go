package reliability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// BreakerState is the three-valued circuit state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops calling a dependency after Threshold consecutive
// failures. While open every call fails fast; once Cooldown has elapsed a
// single trial call is let through and its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialing    bool
	gen         uint64
	onChange    func(name string, from, to BreakerState)
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

func (b *CircuitBreaker) Name() string { return b.name }

// OnStateChange registers a hook invoked after every transition.
func (b *CircuitBreaker) OnStateChange(hook func(name string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = hook
}

// State reports the current state, accounting for an elapsed cooldown.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		return StateHalfOpen
	}
	return b.state
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{Name: b.name, State: state, Failures: b.failures}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// ticket identifies one admitted call. gen is the breaker generation at
// admission; trial marks the single half-open call.
type ticket struct {
	gen   uint64
	trial bool
}

// allow reserves permission for one call.
func (b *CircuitBreaker) allow() (ticket, error) {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch b.state {
	case StateClosed:
		return ticket{gen: b.gen}, nil
	case StateOpen:
		if b.now().Before(b.openedAt.Add(b.cooldown)) {
			return ticket{}, b.openError()
		}
		transition = b.setStateLocked(StateHalfOpen)
		b.trialing = true
		return ticket{gen: b.gen, trial: true}, nil
	default:
		if b.trialing {
			return ticket{}, b.openError()
		}
		b.trialing = true
		return ticket{gen: b.gen, trial: true}, nil
	}
}

// record applies the outcome of the call admitted with t. Only the trial
// decides a half-open circuit; results from earlier generations are dropped.
func (b *CircuitBreaker) record(t ticket, err error) {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if t.gen != b.gen {
		return
	}
	if t.trial {
		b.trialing = false
	}

	// The caller gave up; the outcome is unknown either way.
	if errors.Is(err, context.Canceled) {
		return
	}

	if err == nil || !countsAsFailure(err) {
		b.failures = 0
		if b.state != StateClosed {
			transition = b.setStateLocked(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if t.trial || b.failures >= b.threshold {
		b.openedAt = b.lastFailure
		if b.state != StateOpen {
			transition = b.setStateLocked(StateOpen)
		}
	}
}

// setStateLocked moves to a new state and starts a new generation.
func (b *CircuitBreaker) setStateLocked(to BreakerState) func() {
	from := b.state
	if from != to {
		b.gen++
	}
	b.state = to
	hook := b.onChange
	if hook == nil || from == to {
		return nil
	}
	name := b.name
	return func() { hook(name, from, to) }
}

func (b *CircuitBreaker) openError() error {
	return apperr.Newf(apperr.KindNetwork, "%s: service temporarily unavailable (circuit open)", b.name).
		WithUserMessage("Service temporarily unavailable. Please try again shortly.")
}

// Caller errors say nothing about the dependency's health.
func countsAsFailure(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindPermission, apperr.KindNotFound:
		return false
	default:
		return true
	}
}

// Do invokes fn through breaker b. A nil breaker calls fn directly.
func Do[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	t, err := b.allow()
	if err != nil {
		var zero T
		return zero, err
	}
	val, err := fn()
	b.record(t, err)
	return val, err
}

// Breakers is the process-wide registry with one breaker per dependency.
type Breakers struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	onChange func(name string, from, to BreakerState)
}

func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// OnStateChange sets the hook for breakers created after this call.
func (r *Breakers) OnStateChange(hook func(name string, from, to BreakerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.threshold, r.cooldown)
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[name] = b
	return b
}

func (r *Breakers) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
