package session

import (
	"sync"
	"time"

	"github.com/keelmail/keel/fsm"
	"github.com/keelmail/keel/store"
	"github.com/keelmail/keel/strategy"
)

// Interfaces

// EventSink receives the terminal events of a running command. The
// session hands every command a sink bound to the command's
// generation, so a completion arriving after cancellation is thrown
// away instead of driving the machine.
type EventSink interface {
	PostEvent(code uint32, mnemonic string, arg interface{})
}

// Cmd is one cancelable protocol command. Execute must not block;
// the command reports back through the sink from its own goroutine.
// After Cancel returns the command may still post, the sink's
// generation guard makes that harmless.
type Cmd interface {
	Execute(sink EventSink)
	Cancel()
}

// DiscoverCmd is the extra surface of the discovery command, which
// accepts mid-flight answers from the UI instead of being restarted.
type DiscoverCmd interface {
	Cmd
	CredSet()
	ServerSet()
	CertResult(ok bool)
}

// CmdFactory builds the protocol commands a session drives. The
// session never touches the wire itself.
type CmdFactory interface {
	Discover() Cmd
	Options() Cmd
	Provision() Cmd
	Settings() Cmd
	FolderSync() Cmd
	Sync(kit *strategy.SyncKit) Cmd
	Ping(kit *strategy.PingKit) Cmd
	Fetch(kit *strategy.FetchKit) Cmd
	QueueOp(p *store.Pending) Cmd

	// ForceOldestProtocol downgrades the factory to the oldest
	// protocol version it supports. Used when capability
	// negotiation hard-fails.
	ForceOldestProtocol()
}

// Structs

// waitCmd is the do-nothing command backing the idle state. It
// reports success when its interval elapses, sending the session
// back to the picker.
type waitCmd struct {
	d time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func newWaitCmd(d time.Duration) *waitCmd {
	return &waitCmd{d: d}
}

func (w *waitCmd) Execute(sink EventSink) {

	w.mu.Lock()
	defer w.mu.Unlock()

	w.timer = time.AfterFunc(w.d, func() {
		sink.PostEvent(fsm.EvSuccess, "WAITDONE", nil)
	})
}

func (w *waitCmd) Cancel() {

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
