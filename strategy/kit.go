package strategy

import (
	"time"

	"github.com/keelmail/keel/store"
)

// ExecContext is how the host is running us right now.
type ExecContext int

const (
	// CtxQuickSync is a short background wakeup: freshen the
	// inbox, touch nothing speculative.
	CtxQuickSync ExecContext = iota
	// CtxForeground means the user is looking at the app.
	CtxForeground
	// CtxBackground is ordinary long-running background work.
	CtxBackground
)

// PickAction is the kind of work a pick decided on.
type PickAction int

const (
	ActionSync PickAction = iota
	ActionPing
	ActionFetch
	ActionQueueOp
	ActionHotQueueOp
	ActionFolderSync
	ActionWait
)

func (a PickAction) String() string {

	switch a {
	case ActionSync:
		return "Sync"
	case ActionPing:
		return "Ping"
	case ActionFetch:
		return "Fetch"
	case ActionQueueOp:
		return "QueueOp"
	case ActionHotQueueOp:
		return "HotQueueOp"
	case ActionFolderSync:
		return "FolderSync"
	case ActionWait:
		return "Wait"
	}

	return "Unknown"
}

// Structs

// SyncFolder is one folder's slice of a sync request.
type SyncFolder struct {
	Folder *store.Folder
	Filter FilterCode
	// WindowSize caps how many items the server may return for
	// this folder.
	WindowSize int
	// GetChanges asks the server for changes since the cursor.
	// Off for folders still on their initial sync key.
	GetChanges bool
	// Pendings are the local changes riding along in this
	// folder's part of the request.
	Pendings []*store.Pending
}

// SyncKit is an assembled sync request.
type SyncKit struct {
	OverallWindowSize int
	Folders           []SyncFolder
	IsNarrow          bool
}

// PingKit is an assembled long-poll request.
type PingKit struct {
	Folders           []*store.Folder
	HeartbeatInterval int
	IsNarrow          bool
}

// FetchKit is an assembled content download request: explicit user
// asks first, then speculative prefetch hints.
type FetchKit struct {
	Pendings []*store.Pending
	Hints    []*store.FetchHint
}

// Descriptor is the outcome of one pick. Exactly the field matching
// Action is populated.
type Descriptor struct {
	Action  PickAction
	Sync    *SyncKit
	Ping    *PingKit
	Fetch   *FetchKit
	Pending *store.Pending
	Wait    time.Duration
}
