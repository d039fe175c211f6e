package fsm_test

import (
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"

	"github.com/keelmail/keel/fsm"
)

const (
	stWork uint32 = fsm.StateLast + 1 + iota
	stDone
)

const evKick uint32 = fsm.EvLast + 1

var testAlphabet = []uint32{fsm.EvLaunch, fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, evKick}

func stateName(s uint32) string {

	switch s {
	case fsm.StateStart:
		return "Start"
	case fsm.StateStop:
		return "Stop"
	case stWork:
		return "Work"
	case stDone:
		return "Done"
	}

	return "Unknown"
}

func eventName(e uint32) string {

	switch e {
	case fsm.EvLaunch:
		return "Launch"
	case fsm.EvSuccess:
		return "Success"
	case fsm.EvHardFail:
		return "HardFail"
	case fsm.EvTempFail:
		return "TempFail"
	case evKick:
		return "Kick"
	}

	return "Unknown"
}

// Functions

// testNodes returns a small complete table. The acts slice lets the
// caller observe which actions fired and in which order.
func testNodes(acts *[]string, hooks map[string]func()) []fsm.Node {

	record := func(name string) func() {
		return func() {
			*acts = append(*acts, name)
			if hook, ok := hooks[name]; ok {
				hook()
			}
		}
	}

	return []fsm.Node{
		{
			State:   fsm.StateStart,
			Drop:    []uint32{fsm.EvTempFail},
			Invalid: []uint32{fsm.EvSuccess, fsm.EvHardFail},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: record("launch"), State: stWork},
				{Event: evKick, Act: record("kickStart"), State: fsm.StateStart},
			},
		},
		{
			State:   stWork,
			Drop:    []uint32{fsm.EvLaunch},
			Invalid: []uint32{fsm.EvHardFail},
			On: []fsm.Trans{
				{Event: fsm.EvSuccess, Act: record("success"), State: stDone},
				{Event: fsm.EvTempFail, Act: record("retry"), State: stWork},
				{Event: evKick, Act: record("kickWork"), State: stWork},
			},
		},
		{
			State:   stDone,
			Drop:    []uint32{fsm.EvLaunch, fsm.EvSuccess, fsm.EvTempFail, evKick},
			Invalid: []uint32{fsm.EvHardFail},
		},
	}
}

func newTestMachine(t *testing.T, acts *[]string, hooks map[string]func()) *fsm.Machine {

	m, err := fsm.New("test", log.NewNopLogger(), testNodes(acts, hooks), testAlphabet, stateName, eventName)
	assert.Nil(t, err, "expected machine construction to succeed")

	return m
}

// TestValidateRejectsUnclassified executes a black-box test checking
// that a table leaving an event unclassified fails construction.
func TestValidateRejectsUnclassified(t *testing.T) {

	nodes := []fsm.Node{
		{
			State: fsm.StateStart,
			Drop:  []uint32{fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, State: fsm.StateStart},
			},
		},
	}

	// evKick is in the alphabet but nowhere in the node.
	_, err := fsm.New("broken", log.NewNopLogger(), nodes, testAlphabet, stateName, eventName)
	assert.NotNil(t, err, "expected construction to fail on unclassified event")
}

// TestValidateRejectsDoubleClassified checks that an event listed in
// both Drop and On fails construction.
func TestValidateRejectsDoubleClassified(t *testing.T) {

	nodes := []fsm.Node{
		{
			State: fsm.StateStart,
			Drop:  []uint32{fsm.EvLaunch, fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, evKick},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, State: fsm.StateStart},
			},
		},
	}

	_, err := fsm.New("broken", log.NewNopLogger(), nodes, testAlphabet, stateName, eventName)
	assert.NotNil(t, err, "expected construction to fail on doubly classified event")
}

// TestValidateRejectsUnknownTarget checks that a transition into a
// state missing from the table fails construction.
func TestValidateRejectsUnknownTarget(t *testing.T) {

	nodes := []fsm.Node{
		{
			State: fsm.StateStart,
			Drop:  []uint32{fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, evKick},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, State: stWork},
			},
		},
	}

	_, err := fsm.New("broken", log.NewNopLogger(), nodes, testAlphabet, stateName, eventName)
	assert.NotNil(t, err, "expected construction to fail on unknown target state")
}

// TestDropAndTransition checks the three classifications: a dropped
// event leaves the state alone, a handled event moves the machine,
// an invalid event panics.
func TestDropAndTransition(t *testing.T) {

	var acts []string

	m := newTestMachine(t, &acts, nil)

	// TempFail is dropped in Start.
	m.PostEvent(fsm.EvTempFail, "TESTDROP", nil)
	assert.Equal(t, fsm.StateStart, m.State())
	assert.Equal(t, 0, len(acts))

	m.PostEvent(fsm.EvLaunch, "TESTLAUNCH", nil)
	assert.Equal(t, stWork, m.State())
	assert.Equal(t, []string{"launch"}, acts)

	assert.Panics(t, func() {
		m.PostEvent(fsm.EvHardFail, "TESTINVALID", nil)
	}, "expected invalid event to panic")
}

// TestPostFromAction checks that events posted while an action is
// running are queued and fired afterwards in order, on the same
// draining goroutine.
func TestPostFromAction(t *testing.T) {

	var acts []string
	var m *fsm.Machine

	hooks := map[string]func(){
		"launch": func() {
			m.PostEvent(evKick, "TESTNESTED", nil)
			m.PostEvent(fsm.EvSuccess, "TESTNESTED", nil)
		},
	}

	m = newTestMachine(t, &acts, hooks)

	m.PostEvent(fsm.EvLaunch, "TESTLAUNCH", nil)

	assert.Equal(t, []string{"launch", "kickWork", "success"}, acts)
	assert.Equal(t, stDone, m.State())
}

// TestClearEventQueue checks that queued events posted before a
// clear never fire.
func TestClearEventQueue(t *testing.T) {

	var acts []string
	var m *fsm.Machine

	hooks := map[string]func(){
		"launch": func() {
			m.PostEvent(fsm.EvSuccess, "TESTSTALE", nil)
			m.ClearEventQueue()
		},
	}

	m = newTestMachine(t, &acts, hooks)

	m.PostEvent(fsm.EvLaunch, "TESTLAUNCH", nil)

	assert.Equal(t, []string{"launch"}, acts)
	assert.Equal(t, stWork, m.State())
}

// TestActSetsState checks that a transition marked ActSetsState
// leaves state control entirely to the action.
func TestActSetsState(t *testing.T) {

	var fired int

	nodes := []fsm.Node{
		{
			State:   fsm.StateStart,
			Drop:    []uint32{fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, evKick},
			Invalid: []uint32{},
		},
		{
			State:   stDone,
			Drop:    []uint32{fsm.EvLaunch, fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, evKick},
			Invalid: []uint32{},
		},
	}

	var m *fsm.Machine

	nodes[0].On = []fsm.Trans{
		{Event: fsm.EvLaunch, Act: func() {
			fired++
			m.SetState(stDone)
		}, ActSetsState: true},
	}

	var err error
	m, err = fsm.New("test", log.NewNopLogger(), nodes, testAlphabet, stateName, eventName)
	assert.Nil(t, err)

	m.PostEvent(fsm.EvLaunch, "TESTLAUNCH", nil)

	assert.Equal(t, 1, fired)
	assert.Equal(t, stDone, m.State())
}

// TestStateChangeCallback checks the callback fires exactly once per
// state change and not on self transitions.
func TestStateChangeCallback(t *testing.T) {

	var acts []string

	m := newTestMachine(t, &acts, nil)

	var changes int
	m.StateChange = func() { changes++ }

	m.PostEvent(evKick, "TESTSELF", nil)
	assert.Equal(t, 0, changes, "self transition must not report a change")

	m.PostEvent(fsm.EvLaunch, "TESTLAUNCH", nil)
	assert.Equal(t, 1, changes)

	m.PostEvent(fsm.EvTempFail, "TESTRETRY", nil)
	assert.Equal(t, 1, changes, "retry self transition must not report a change")

	m.PostEvent(fsm.EvSuccess, "TESTDONE", nil)
	assert.Equal(t, 2, changes)
}

// TestConcurrentPost checks that concurrent posters never overlap
// action execution.
func TestConcurrentPost(t *testing.T) {

	var mu sync.Mutex
	var running bool
	var overlapped bool
	var count int

	nodes := []fsm.Node{
		{
			State:   fsm.StateStart,
			Drop:    []uint32{fsm.EvLaunch, fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail},
			Invalid: []uint32{},
			On: []fsm.Trans{
				{Event: evKick, Act: func() {

					mu.Lock()
					if running {
						overlapped = true
					}
					running = true
					count++
					mu.Unlock()

					mu.Lock()
					running = false
					mu.Unlock()
				}, State: fsm.StateStart},
			},
		},
	}

	m, err := fsm.New("test", log.NewNopLogger(), nodes, testAlphabet, stateName, eventName)
	assert.Nil(t, err)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {

		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				m.PostEvent(evKick, "TESTCONC", nil)
			}
		}()
	}

	wg.Wait()

	assert.False(t, overlapped, "actions must never run concurrently")
	assert.Equal(t, 400, count)
}
