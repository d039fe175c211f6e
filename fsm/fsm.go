// Package fsm implements the event-driven state machine that drives
// every protocol session. Machines are built from a transition table
// that is validated at construction time, so an unclassified
// state/event pair is a build error rather than a runtime surprise.
package fsm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Base states shared by every machine. Machines extend the state
// space starting at StateLast + 1.
const (
	StateStart uint32 = iota
	StateStop
	StateLast = StateStop
)

// Base events shared by every machine. Machines extend the event
// space starting at EvLast + 1.
const (
	EvLaunch uint32 = iota
	EvSuccess
	EvHardFail
	EvTempFail
	EvLast = EvTempFail
)

// Structs

// Event is one posted occurrence flowing through a machine. The
// mnemonic names the posting site and shows up in logs, Arg carries
// an optional payload for the receiving action.
type Event struct {
	Code     uint32
	Mnemonic string
	Arg      interface{}
}

// Trans binds one event to an action and a successor state. When
// ActSetsState is set the action is responsible for calling SetState
// itself and State is ignored.
type Trans struct {
	Event        uint32
	Act          func()
	State        uint32
	ActSetsState bool
}

// Node is the complete event classification for one state. Every
// event of the machine's alphabet must land in exactly one of Drop,
// Invalid or On.
type Node struct {
	State   uint32
	Drop    []uint32
	Invalid []uint32
	On      []Trans
}

// Machine is a serialized event consumer. Events may be posted from
// any goroutine; at most one action runs at a time and events fire in
// post order.
type Machine struct {
	name   string
	logger log.Logger

	table     map[uint32]*Node
	alphabet  []uint32
	stateName func(uint32) string
	eventName func(uint32) string

	state uint32 // atomic

	mu        sync.Mutex
	queue     []Event
	inProcess bool
	fired     Event

	// StateChange fires after every event that changed the
	// machine's state, from the draining goroutine.
	StateChange func()
}

// Functions

// New builds a machine from the supplied transition table and
// validates it: every state/event pair classified exactly once,
// every transition target present in the table.
func New(name string, logger log.Logger, nodes []Node, alphabet []uint32, stateName func(uint32) string, eventName func(uint32) string) (*Machine, error) {

	m := &Machine{
		name:      name,
		logger:    logger,
		table:     make(map[uint32]*Node, len(nodes)),
		alphabet:  alphabet,
		stateName: stateName,
		eventName: eventName,
		state:     StateStart,
	}

	for i := range nodes {

		node := nodes[i]

		if _, exists := m.table[node.State]; exists {
			return nil, errors.Errorf("fsm %s: state %s defined twice", name, stateName(node.State))
		}

		m.table[node.State] = &node
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// validate checks the full cross product of states and alphabet
// events against the table.
func (m *Machine) validate() error {

	for state, node := range m.table {

		seen := make(map[uint32]int, len(m.alphabet))

		for _, ev := range node.Drop {
			seen[ev]++
		}

		for _, ev := range node.Invalid {
			seen[ev]++
		}

		for _, t := range node.On {

			seen[t.Event]++

			if t.ActSetsState {
				continue
			}

			if _, ok := m.table[t.State]; !ok && t.State != StateStop {
				return errors.Errorf("fsm %s: state %s event %s targets unknown state %s",
					m.name, m.stateName(state), m.eventName(t.Event), m.stateName(t.State))
			}
		}

		for _, ev := range m.alphabet {

			if seen[ev] != 1 {
				return errors.Errorf("fsm %s: state %s classifies event %s %d times, want exactly once",
					m.name, m.stateName(state), m.eventName(ev), seen[ev])
			}
		}
	}

	return nil
}

// State returns the machine's current state. Safe to call from any
// goroutine.
func (m *Machine) State() uint32 {
	return atomic.LoadUint32(&m.state)
}

// SetState moves the machine to the given state directly. Intended
// for actions marked ActSetsState and for restoring a persisted
// state before Start.
func (m *Machine) SetState(state uint32) {
	atomic.StoreUint32(&m.state, state)
}

// Start posts the initial Launch event.
func (m *Machine) Start() {
	m.PostEvent(EvLaunch, "MACHSTART", nil)
}

// PostEvent enqueues one event and drains the queue if no other
// goroutine is doing so already.
func (m *Machine) PostEvent(code uint32, mnemonic string, arg interface{}) {
	m.PostEvents(Event{Code: code, Mnemonic: mnemonic, Arg: arg})
}

// PostEvents enqueues the given events as one atomic batch, so no
// foreign event can interleave between them.
func (m *Machine) PostEvents(events ...Event) {

	m.mu.Lock()

	m.queue = append(m.queue, events...)

	if m.inProcess {
		m.mu.Unlock()
		return
	}

	m.inProcess = true
	m.mu.Unlock()

	m.drain()
}

// PostEventIf enqueues the event only if guard holds. Guard runs
// under the queue lock, so a caller invalidating its guard and then
// clearing the queue is certain no guarded event survives. Guard
// must not touch the machine. Reports whether the event was posted.
func (m *Machine) PostEventIf(guard func() bool, code uint32, mnemonic string, arg interface{}) bool {

	m.mu.Lock()

	if !guard() {
		m.mu.Unlock()
		return false
	}

	m.queue = append(m.queue, Event{Code: code, Mnemonic: mnemonic, Arg: arg})

	if m.inProcess {
		m.mu.Unlock()
		return true
	}

	m.inProcess = true
	m.mu.Unlock()

	m.drain()

	return true
}

// ClearEventQueue discards all not-yet-fired events. An action
// already running keeps running.
func (m *Machine) ClearEventQueue() {

	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// FiredEvent returns the event currently being handled. Only valid
// while an action is running.
func (m *Machine) FiredEvent() Event {
	return m.fired
}

func (m *Machine) drain() {

	for {

		m.mu.Lock()

		if len(m.queue) == 0 {
			m.inProcess = false
			m.mu.Unlock()
			return
		}

		ev := m.queue[0]
		m.queue = m.queue[1:]

		m.mu.Unlock()

		m.fire(ev)
	}
}

func (m *Machine) fire(ev Event) {

	state := m.State()

	if state == StateStop {

		level.Debug(m.logger).Log(
			"fsm", m.name,
			"msg", "dropping event posted to stopped machine",
			"event", m.eventName(ev.Code),
			"mnemonic", ev.Mnemonic,
		)

		return
	}

	node, ok := m.table[state]
	if !ok {
		panic(fmt.Sprintf("fsm %s: no node for state %s", m.name, m.stateName(state)))
	}

	for _, code := range node.Drop {

		if code != ev.Code {
			continue
		}

		level.Debug(m.logger).Log(
			"fsm", m.name,
			"msg", "dropping event",
			"state", m.stateName(state),
			"event", m.eventName(ev.Code),
			"mnemonic", ev.Mnemonic,
		)

		return
	}

	for _, code := range node.Invalid {

		if code == ev.Code {
			panic(fmt.Sprintf("fsm %s: invalid event %s (%s) in state %s",
				m.name, m.eventName(ev.Code), ev.Mnemonic, m.stateName(state)))
		}
	}

	var trans *Trans

	for i := range node.On {

		if node.On[i].Event == ev.Code {
			trans = &node.On[i]
			break
		}
	}

	if trans == nil {
		panic(fmt.Sprintf("fsm %s: event %s (%s) not classified in state %s",
			m.name, m.eventName(ev.Code), ev.Mnemonic, m.stateName(state)))
	}

	level.Debug(m.logger).Log(
		"fsm", m.name,
		"msg", "firing event",
		"state", m.stateName(state),
		"event", m.eventName(ev.Code),
		"mnemonic", ev.Mnemonic,
	)

	m.fired = ev

	if trans.Act != nil {
		trans.Act()
	}

	if !trans.ActSetsState {
		m.SetState(trans.State)
	}

	if next := m.State(); next != state && m.StateChange != nil {

		level.Debug(m.logger).Log(
			"fsm", m.name,
			"msg", "state change",
			"from", m.stateName(state),
			"to", m.stateName(next),
		)

		m.StateChange()
	}
}
