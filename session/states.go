// Package session drives the protocol conversation of one account:
// a validated state machine walks the account from discovery through
// provisioning and folder sync into the steady sync/ping/fetch loop,
// delegating the what-next decision to the strategy picker and the
// wire work to protocol commands.
package session

import "github.com/keelmail/keel/fsm"

// Session states, extending the machine's base states. The W suffix
// marks states waiting on a command or on the UI.
const (
	// StDiscW waits on server discovery.
	StDiscW uint32 = fsm.StateLast + 1 + iota
	// StUiDCrdW waits on the UI for credentials during discovery.
	StUiDCrdW
	// StUiPCrdW waits on the UI for credentials after an auth
	// failure beyond discovery.
	StUiPCrdW
	// StUiServConfW waits on the UI for server settings.
	StUiServConfW
	// StUiCertOkW waits on the UI to approve a server cert.
	StUiCertOkW
	// StOptW waits on the capability negotiation command.
	StOptW
	// StProvW waits on the provisioning command.
	StProvW
	// StSettingsW waits on the settings command.
	StSettingsW
	// StFSyncW waits on the initial folder sync.
	StFSyncW
	// StFSync2W waits on a folder sync that a sync demanded, and
	// chains back into sync rather than the picker.
	StFSync2W
	// StSyncW waits on a sync command.
	StSyncW
	// StPingW waits on a long poll.
	StPingW
	// StQOpW waits on an ordinary queued operation.
	StQOpW
	// StHotQOpW waits on an urgent queued operation.
	StHotQOpW
	// StFetchW waits on a content download.
	StFetchW
	// StIdleW is active but choosing not to talk to the server.
	StIdleW
	// StParked is inactive. Launch resumes at the saved state.
	StParked
)

// Session events, extending the machine's base events.
const (
	// EvPendQ announces newly queued ordinary work.
	EvPendQ uint32 = fsm.EvLast + 1 + iota
	// EvPendQHot announces newly queued urgent work.
	EvPendQHot
	// EvPark asks the session to stop and persist.
	EvPark
	// EvReDisc sends the session back to discovery.
	EvReDisc
	// EvReProv sends the session back to provisioning.
	EvReProv
	// EvReSync asks for a sync outside the picker's turn.
	EvReSync
	// EvAuthFail reports rejected credentials.
	EvAuthFail
	// EvUiSetCred reports fresh credentials from the UI.
	EvUiSetCred
	// EvGetServConf asks the UI for server settings.
	EvGetServConf
	// EvUiSetServConf reports fresh server settings from the UI.
	EvUiSetServConf
	// EvGetCertOk asks the UI to approve a server cert.
	EvGetCertOk
	// EvUiCertOkYes approves the cert.
	EvUiCertOkYes
	// EvUiCertOkNo rejects the cert.
	EvUiCertOkNo
	// EvReFSync asks for a folder sync outside the usual flow.
	EvReFSync
)

// alphabet is every event a session machine must classify in every
// state.
var alphabet = []uint32{
	fsm.EvLaunch, fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
	EvPendQ, EvPendQHot, EvPark,
	EvReDisc, EvReProv, EvReSync, EvAuthFail,
	EvUiSetCred, EvGetServConf, EvUiSetServConf,
	EvGetCertOk, EvUiCertOkYes, EvUiCertOkNo, EvReFSync,
}

var stateNames = map[uint32]string{
	fsm.StateStart: "Start",
	fsm.StateStop:  "Stop",
	StDiscW:        "DiscW",
	StUiDCrdW:      "UiDCrdW",
	StUiPCrdW:      "UiPCrdW",
	StUiServConfW:  "UiServConfW",
	StUiCertOkW:    "UiCertOkW",
	StOptW:         "OptW",
	StProvW:        "ProvW",
	StSettingsW:    "SettingsW",
	StFSyncW:       "FSyncW",
	StFSync2W:      "FSync2W",
	StSyncW:        "SyncW",
	StPingW:        "PingW",
	StQOpW:         "QOpW",
	StHotQOpW:      "HotQOpW",
	StFetchW:       "FetchW",
	StIdleW:        "IdleW",
	StParked:       "Parked",
}

var eventNames = map[uint32]string{
	fsm.EvLaunch:    "Launch",
	fsm.EvSuccess:   "Success",
	fsm.EvHardFail:  "HardFail",
	fsm.EvTempFail:  "TempFail",
	EvPendQ:         "PendQ",
	EvPendQHot:      "PendQHot",
	EvPark:          "Park",
	EvReDisc:        "ReDisc",
	EvReProv:        "ReProv",
	EvReSync:        "ReSync",
	EvAuthFail:      "AuthFail",
	EvUiSetCred:     "UiSetCred",
	EvGetServConf:   "GetServConf",
	EvUiSetServConf: "UiSetServConf",
	EvGetCertOk:     "GetCertOk",
	EvUiCertOkYes:   "UiCertOkYes",
	EvUiCertOkNo:    "UiCertOkNo",
	EvReFSync:       "ReFSync",
}

// StateName resolves a session state to its log name.
func StateName(s uint32) string {

	if name, ok := stateNames[s]; ok {
		return name
	}

	return "Unknown"
}

// EventName resolves a session event to its log name.
func EventName(e uint32) string {

	if name, ok := eventNames[e]; ok {
		return name
	}

	return "Unknown"
}

// BackendState is the coarse account status reported to the UI.
type BackendState int

const (
	BackendNotYetStarted BackendState = iota
	BackendRunning
	BackendCredWait
	BackendServerConfWait
	BackendCertAskWait
	BackendPreInboxSync
	BackendPostInboxSync
)

func (b BackendState) String() string {

	switch b {
	case BackendNotYetStarted:
		return "NotYetStarted"
	case BackendRunning:
		return "Running"
	case BackendCredWait:
		return "CredWait"
	case BackendServerConfWait:
		return "ServerConfWait"
	case BackendCertAskWait:
		return "CertAskWait"
	case BackendPreInboxSync:
		return "PreInboxSync"
	case BackendPostInboxSync:
		return "PostInboxSync"
	}

	return "Unknown"
}

// userWait reports whether the backend state blocks on user input.
func (b BackendState) userWait() bool {

	switch b {
	case BackendCredWait, BackendServerConfWait, BackendCertAskWait:
		return true
	}

	return false
}

// StatusEvent is a notification toward the UI layer.
type StatusEvent int

const (
	// StatusBackendStateChanged fires when BackendState moved.
	StatusBackendStateChanged StatusEvent = iota
	// StatusRecentContactsReady fires once the recent contacts
	// folder completed its initial sync.
	StatusRecentContactsReady
)
