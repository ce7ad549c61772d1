package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HookFunc runs on state entry or exit. Hooks may block on I/O; the machine
// awaits them fully, and no other transition can begin in that window. A hook
// must not call RequestTransition itself (the call would be rejected as
// reentrant); inter-state side effects belong on the bus as deferred
// publishes.
type HookFunc func(ctx context.Context, from, to string) error

// UpdateFunc runs on machine ticks while its state is current.
type UpdateFunc func(ctx context.Context, dt float64)

// GuardFunc decides whether a transition between its registered state pair
// may proceed. An error is treated like a hook failure.
type GuardFunc func(ctx context.Context, from, to string) (bool, error)

// StateNode is the static configuration of one machine state.
type StateNode struct {
	Name        string
	OnEnter     HookFunc
	OnExit      HookFunc
	OnUpdate    UpdateFunc
	Transitions map[string]string // transition label -> target state
}

// HistoryEntry records one completed (or forced) transition.
type HistoryEntry struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// LabelForceError marks history entries and events produced by ForceError.
const LabelForceError = "force_error"

type statePair struct {
	from string
	to   string
}

type guardEntry struct {
	predicate GuardFunc
	reason    string
}

// Machine is the session finite-state controller. Exactly one state is
// current at any time; legality of a transition is fully determined by the
// current node's Transitions map plus an optional guard per state pair. At
// most one transition is in flight; reentrant requests are rejected, never
// queued.
type Machine struct {
	bus        *Bus
	nodes      map[string]*StateNode
	errorState string

	mu           sync.Mutex
	current      string
	previous     string
	inTransition bool
	guards       map[statePair]guardEntry
	history      []HistoryEntry
	historyCap   int
	durations    map[string]time.Duration
	enteredAt    time.Time
}

// NewMachine builds a machine over the given state table. The initial and
// error states must be in the table, and every transition target must name a
// known state.
func NewMachine(bus *Bus, nodes []StateNode, initial, errorState string, historyCap int) (*Machine, error) {
	if bus == nil {
		return nil, fmt.Errorf("machine: bus is required")
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("machine: no states")
	}
	if historyCap <= 0 {
		historyCap = DefaultHistorySize
	}

	table := make(map[string]*StateNode, len(nodes))
	for i := range nodes {
		node := nodes[i]
		if node.Name == "" {
			return nil, fmt.Errorf("machine: state %d has no name", i)
		}
		if _, dup := table[node.Name]; dup {
			return nil, fmt.Errorf("machine: duplicate state %q", node.Name)
		}
		table[node.Name] = &node
	}
	if _, ok := table[initial]; !ok {
		return nil, fmt.Errorf("machine: initial state %q not in table", initial)
	}
	if _, ok := table[errorState]; !ok {
		return nil, fmt.Errorf("machine: error state %q not in table", errorState)
	}
	for name, node := range table {
		for label, target := range node.Transitions {
			if _, ok := table[target]; !ok {
				return nil, fmt.Errorf("machine: state %q label %q targets unknown state %q", name, label, target)
			}
		}
	}

	return &Machine{
		bus:        bus,
		nodes:      table,
		errorState: errorState,
		current:    initial,
		guards:     make(map[statePair]guardEntry),
		historyCap: historyCap,
		durations:  make(map[string]time.Duration),
		enteredAt:  time.Now(),
	}, nil
}

// Current returns the current state name.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last completed transition.
func (m *Machine) Previous() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// CanTransition reports whether the label is defined for the current state.
// Pure lookup, no side effects; guards are not consulted.
func (m *Machine) CanTransition(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[m.current].Transitions[label]
	return ok
}

// AddGuard installs the predicate for the (from, to) pair, replacing any
// existing guard for that pair.
func (m *Machine) AddGuard(from, to string, predicate GuardFunc, reason string) {
	if predicate == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[statePair{from, to}] = guardEntry{predicate: predicate, reason: reason}
}

// RemoveGuard drops the guard for the (from, to) pair, if any.
func (m *Machine) RemoveGuard(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, statePair{from, to})
}

// RequestTransition attempts the transition named by label from the current
// state. It returns false when the label is undefined for the current state
// (transition:invalid), when a guard rejects it (transition:blocked), when
// another transition is already in flight, or when a hook or guard fails (the
// machine is then forced into its error state). On success the exit hook,
// bookkeeping, and enter hook run in order, followed by a state:changed
// publish.
func (m *Machine) RequestTransition(ctx context.Context, label string) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.inTransition {
		m.mu.Unlock()
		log.Printf("[WARNING] machine: transition %q rejected, another transition in flight", label)
		return false
	}
	from := m.current
	target, ok := m.nodes[from].Transitions[label]
	if !ok {
		m.mu.Unlock()
		m.bus.Publish(NewTransitionInvalidEvent(from, label))
		return false
	}
	guard, hasGuard := m.guards[statePair{from, target}]
	m.inTransition = true
	m.mu.Unlock()

	if hasGuard {
		allowed, err := guard.predicate(ctx, from, target)
		if err != nil {
			log.Printf("[WARNING] machine: guard %s->%s failed: %v", from, target, err)
			m.enterErrorState(ctx, label, ErrGuardFailure, err)
			return false
		}
		if !allowed {
			m.mu.Lock()
			m.inTransition = false
			m.mu.Unlock()
			m.bus.Publish(NewTransitionBlockedEvent(from, target, label, guard.reason))
			return false
		}
	}

	if exit := m.nodes[from].OnExit; exit != nil {
		if err := exit(ctx, from, target); err != nil {
			log.Printf("[WARNING] machine: exit hook of %q failed: %v", from, err)
			m.enterErrorState(ctx, label, ErrHookFailure, err)
			return false
		}
	}

	m.mu.Lock()
	now := time.Now()
	m.durations[from] += now.Sub(m.enteredAt)
	m.previous = from
	m.current = target
	m.enteredAt = now
	m.pushHistory(HistoryEntry{From: from, To: target, Label: label, At: now})
	m.mu.Unlock()

	if enter := m.nodes[target].OnEnter; enter != nil {
		if err := enter(ctx, from, target); err != nil {
			log.Printf("[WARNING] machine: enter hook of %q failed: %v", target, err)
			m.enterErrorState(ctx, label, ErrHookFailure, err)
			return false
		}
	}

	m.mu.Lock()
	m.inTransition = false
	m.mu.Unlock()

	m.bus.Publish(NewStateChangedEvent(from, target, label))
	return true
}

// Tick runs the current state's update hook, if any. A panicking hook is
// contained here so a tick can never crash the host.
func (m *Machine) Tick(ctx context.Context, dt float64) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	update := m.nodes[m.current].OnUpdate
	state := m.current
	m.mu.Unlock()

	if update == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARNING] machine: update hook panic in %q: %v", state, r)
		}
	}()
	update(ctx, dt)
}

// ForceError pushes the machine into its designated error state from outside
// a transition, used by the engine when reconnect attempts exhaust. Returns
// true when the machine is in the error state afterwards; a no-op (and true)
// when it already is, so escalation cannot re-trigger.
func (m *Machine) ForceError(reason string) bool {
	m.mu.Lock()
	if m.current == m.errorState {
		m.mu.Unlock()
		return true
	}
	if m.inTransition {
		m.mu.Unlock()
		log.Printf("[WARNING] machine: ForceError(%q) rejected, transition in flight", reason)
		return false
	}
	m.inTransition = true
	m.mu.Unlock()

	m.enterErrorState(context.Background(), LabelForceError, ErrNetwork, fmt.Errorf("%s", reason))
	return true
}

// enterErrorState is the shared forced-entry path for hook failures, guard
// failures, and ForceError. The caller owns the in-transition flag; it is
// cleared here. There is no rollback: the outgoing state's duration is
// recorded and the move lands in history like any other transition.
func (m *Machine) enterErrorState(ctx context.Context, label, code string, cause error) {
	m.mu.Lock()
	from := m.current
	if from == m.errorState {
		m.inTransition = false
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.durations[from] += now.Sub(m.enteredAt)
	m.previous = from
	m.current = m.errorState
	m.enteredAt = now
	m.pushHistory(HistoryEntry{From: from, To: m.errorState, Label: label, At: now})
	m.inTransition = false
	m.mu.Unlock()

	if enter := m.nodes[m.errorState].OnEnter; enter != nil {
		if err := enter(ctx, from, m.errorState); err != nil {
			// Already in the error state; nowhere further to escalate.
			log.Printf("[WARNING] machine: error state enter hook failed: %v", err)
		}
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.bus.Publish(NewMachineErrorEvent(from, label, code, msg))
	m.bus.Publish(NewStateChangedEvent(from, m.errorState, label))
}

// History returns the transition history, oldest first, bounded by the
// machine's history capacity.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Durations returns the cumulative time spent in each state, recorded when
// the state is exited. Time in the current state accrues on its next exit.
func (m *Machine) Durations() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Duration, len(m.durations))
	for name, d := range m.durations {
		out[name] = d
	}
	return out
}

func (m *Machine) pushHistory(entry HistoryEntry) {
	m.history = append(m.history, entry)
	if len(m.history) > m.historyCap {
		m.history = m.history[1:]
	}
}
