package session

import (
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/keelmail/keel/fsm"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/strategy"
	"github.com/keelmail/keel/store"
)

// DefaultExtraRequestCap bounds how many side-channel requests may
// run beside the main command.
const DefaultExtraRequestCap = 4

// defaultResyncFatalThreshold is how many folder resyncs without any
// folder change we tolerate before declaring the account wedged.
const defaultResyncFatalThreshold = 4

// Interfaces

// Service is the owner-facing surface of a session. All methods are
// safe to call from any goroutine and return quickly; the real work
// happens on the machine's event queue.
type Service interface {
	Execute() bool
	Park()
	ForceStop()
	CredResp()
	ServerConfResp(forceRediscovery bool)
	CertAskResp(ok bool)
	NotifyPendingQueued(hot bool)
	BackendState() BackendState
}

// Owner receives the session's requests for user input.
type Owner interface {
	CredReq(s *Session)
	ServConfReq(s *Session, arg interface{})
	CertAskReq(s *Session, cert *x509.Certificate)
}

// PushAssist is an optional external service keeping the mailbox hot
// while we are not pinging ourselves.
type PushAssist interface {
	Execute()
	Park()
	IsStartOrParked() bool
}

// Structs

// Params collects everything a session needs.
type Params struct {
	Logger    log.Logger
	Store     *store.Store
	Picker    strategy.Picker
	Factory   CmdFactory
	Net       *netstatus.Monitor
	AccountID int64
	Server    string
	Owner     Owner

	// Optional.
	Push      PushAssist
	StatusInd func(StatusEvent)

	// SkipProvision short-circuits the provisioning step for
	// servers that do not implement it.
	SkipProvision bool

	// ExtraRequestCap overrides DefaultExtraRequestCap when
	// positive.
	ExtraRequestCap int
}

// Session drives the protocol conversation of one account.
type Session struct {
	logger    log.Logger
	st        *store.Store
	picker    strategy.Picker
	factory   CmdFactory
	net       *netstatus.Monitor
	accountID int64
	server    string
	owner     Owner
	push      PushAssist
	statusInd func(StatusEvent)

	skipProvision bool
	extraCap      int32
	resyncFatal   int

	machine *fsm.Machine

	cmdMu  sync.Mutex
	cmd    Cmd
	cmdGen uint64 // atomic

	extraCount int32 // atomic

	statusMu      sync.Mutex
	backendPreset *BackendState
	serverCert    *x509.Certificate

	// Touched only from the machine's draining goroutine.
	lastBackend  BackendState
	resyncRun    int
	lastResyncFP string
}

var _ Service = (*Session)(nil)

// genSink forwards command completions into the machine, unless the
// command's generation has been superseded by a cancel.
type genSink struct {
	s   *Session
	gen uint64
}

func (g genSink) PostEvent(code uint32, mnemonic string, arg interface{}) {

	posted := g.s.machine.PostEventIf(func() bool {
		return atomic.LoadUint64(&g.s.cmdGen) == g.gen
	}, code, mnemonic, arg)

	if !posted {
		level.Debug(g.s.logger).Log(
			"msg", "dropping completion of superseded command",
			"event", EventName(code),
			"mnemonic", mnemonic,
		)
	}
}

// extraSink receives completions of side-channel commands. Terminal
// events free the slot and nudge the machine to look for more hot
// work, they never drive the machine's state directly.
type extraSink struct {
	s *Session
}

func (e extraSink) PostEvent(code uint32, mnemonic string, arg interface{}) {

	switch code {
	case fsm.EvLaunch:
		// Side-channel commands have no launch handling.
	case fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail, EvReDisc, EvReProv, EvReSync, EvAuthFail:
		e.s.extraDone()
	default:
		level.Debug(e.s.logger).Log(
			"msg", "dropping event from side-channel command",
			"event", EventName(code),
			"mnemonic", mnemonic,
		)
	}
}

// Functions

// New builds the session and restores its persisted state. Call
// Execute to start it.
func New(p Params) (*Session, error) {

	s := &Session{
		logger:        log.With(p.Logger, "session", p.AccountID),
		st:            p.Store,
		picker:        p.Picker,
		factory:       p.Factory,
		net:           p.Net,
		accountID:     p.AccountID,
		server:        p.Server,
		owner:         p.Owner,
		push:          p.Push,
		statusInd:     p.StatusInd,
		skipProvision: p.SkipProvision,
		extraCap:      DefaultExtraRequestCap,
		resyncFatal:   defaultResyncFatalThreshold,
	}

	if p.ExtraRequestCap > 0 {
		s.extraCap = int32(p.ExtraRequestCap)
	}

	machine, err := fsm.New(
		fmt.Sprintf("session-%d", p.AccountID),
		s.logger, s.nodes(), alphabet, StateName, EventName,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build session state machine")
	}

	s.machine = machine
	s.machine.StateChange = s.updateSavedState

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		return nil, err
	}

	if ps.ControlState != fsm.StateStart {
		s.machine.SetState(ps.ControlState)
	}

	s.lastBackend = s.BackendState()

	s.net.Subscribe(func(c netstatus.Change) {

		if c.Up {
			s.Execute()
		} else {
			s.machine.PostEvent(EvPark, "NETDOWNPARK", nil)
		}
	})

	return s, nil
}

// State returns the machine's current state.
func (s *Session) State() uint32 {
	return s.machine.State()
}

// ServerCert returns the certificate awaiting user approval, if any.
func (s *Session) ServerCert() *x509.Certificate {

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.serverCert
}

// Execute starts or resumes the session. Harmless while already
// running. Returns false when the network is down.
func (s *Session) Execute() bool {

	if !s.net.Up() {
		return false
	}

	if _, err := s.st.RestoreDispatched(s.accountID); err != nil {
		level.Warn(s.logger).Log("msg", "failed to restore dispatched pendings", "err", err)
	}

	s.machine.PostEvent(fsm.EvLaunch, "SESSEXE", nil)

	return true
}

// Park stops the session, persisting where it stood.
func (s *Session) Park() {
	s.machine.PostEvent(EvPark, "SESSPARK", nil)
}

// ForceStop parks the session and the push assist with it.
func (s *Session) ForceStop() {

	if s.push != nil {
		s.push.Park()
	}

	s.machine.PostEvent(EvPark, "FORCESTOP", nil)
}

// CredResp tells the session fresh credentials are in place.
func (s *Session) CredResp() {
	s.machine.PostEvent(EvUiSetCred, "SESSUSC", nil)
}

// ServerConfResp tells the session fresh server settings are in
// place, optionally forcing rediscovery from scratch.
func (s *Session) ServerConfResp(forceRediscovery bool) {

	if forceRediscovery {
		s.machine.PostEvent(EvReDisc, "SESSURD", nil)
	} else {
		s.machine.PostEvent(EvUiSetServConf, "SESSUSSC", nil)
	}
}

// CertAskResp answers an outstanding certificate approval request.
func (s *Session) CertAskResp(ok bool) {

	if ok {
		s.machine.PostEvent(EvUiCertOkYes, "SESSUCOY", nil)
	} else {
		s.machine.PostEvent(EvUiCertOkNo, "SESSUCON", nil)
	}
}

// NotifyPendingQueued announces freshly queued work, so a pinging or
// idle session reconsiders what to do.
func (s *Session) NotifyPendingQueued(hot bool) {

	if hot {
		s.machine.PostEvent(EvPendQHot, "SESSPENDHOT", nil)
	} else {
		s.machine.PostEvent(EvPendQ, "SESSPEND", nil)
	}
}

// PostCertAsk is for the command layer: hand a questionable server
// certificate to the UI.
func (s *Session) PostCertAsk(cert *x509.Certificate) {
	s.machine.PostEvent(EvGetCertOk, "CMDCERTASK", cert)
}

// BackendState reports the coarse account status. While parked, the
// persisted resume state answers.
func (s *Session) BackendState() BackendState {

	s.statusMu.Lock()
	preset := s.backendPreset
	s.statusMu.Unlock()

	if preset != nil {
		return *preset
	}

	state := s.machine.State()

	if state == StParked {

		ps, err := s.st.EnsureProtocolState(s.accountID)
		if err == nil {
			state = ps.ControlState
		}
	}

	switch state {
	case fsm.StateStart, fsm.StateStop:
		return BackendNotYetStarted
	case StDiscW:
		return BackendRunning
	case StUiDCrdW, StUiPCrdW:
		return BackendCredWait
	case StUiServConfW:
		return BackendServerConfWait
	case StUiCertOkW:
		return BackendCertAskWait
	}

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err == nil && ps.HasSyncedInbox {
		return BackendPostInboxSync
	}

	return BackendPreInboxSync
}

func (s *Session) setBackendPreset(b *BackendState) {

	s.statusMu.Lock()
	s.backendPreset = b
	s.statusMu.Unlock()
}

// updateSavedState is the machine's state change callback: persist
// where to resume, and tell the UI when the coarse status moved.
func (s *Session) updateSavedState() {

	s.setBackendPreset(nil)

	stateToSave := s.machine.State()
	save := true

	switch stateToSave {
	case StUiDCrdW, StUiServConfW, StUiCertOkW:
		// These resume at discovery.
		stateToSave = StDiscW
	case StParked:
		// Parked is never saved, it would shadow the real
		// resume state.
		save = false
	}

	if save {

		_, err := s.st.ApplyToState(s.accountID, func(ps *store.ProtocolState) bool {

			if ps.ControlState == stateToSave {
				return false
			}

			ps.ControlState = stateToSave

			return true
		})
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to persist session state", "err", err)
		}
	}

	now := s.BackendState()

	if now != s.lastBackend {

		if now.userWait() {

			// Work that must not fire behind the user's back
			// dies here, the session is blocked on them now.
			if _, err := s.st.ResolveAllDelayNotAllowedAsFailed(s.accountID); err != nil {
				level.Warn(s.logger).Log("msg", "failed to fail delay-intolerant pendings", "err", err)
			}
		}

		if s.statusInd != nil {
			s.statusInd(StatusBackendStateChanged)
		}
	}

	s.lastBackend = now
}

// Command plumbing.

func (s *Session) currentCmd() Cmd {

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	return s.cmd
}

// setCmd cancels the running command, installs the next one and
// bumps the generation so stale completions are rejected.
func (s *Session) setCmd(cmd Cmd) uint64 {

	s.cmdMu.Lock()

	if s.cmd != nil {
		s.cmd.Cancel()
	}

	s.cmd = cmd
	gen := atomic.AddUint64(&s.cmdGen, 1)

	s.cmdMu.Unlock()

	return gen
}

func (s *Session) setAndExecute(cmd Cmd) {

	gen := s.setCmd(cmd)
	cmd.Execute(genSink{s: s, gen: gen})
}

func (s *Session) pokePushAssist() {

	if s.push != nil && s.push.IsStartOrParked() {
		s.push.Execute()
	}
}

// State machine actions.

func (s *Session) doNop() {}

func (s *Session) doDisc() {
	s.setAndExecute(s.factory.Discover())
}

func (s *Session) doOpt() {
	s.setAndExecute(s.factory.Options())
}

func (s *Session) doProv() {

	if s.skipProvision {
		s.machine.PostEvent(fsm.EvSuccess, "DOPROVNOPROV", nil)
		return
	}

	s.setAndExecute(s.factory.Provision())
}

// doOldProtoProv runs after capability negotiation hard-failed:
// assume the oldest protocol version and try to keep going.
func (s *Session) doOldProtoProv() {

	s.factory.ForceOldestProtocol()
	s.doProv()
}

func (s *Session) doSettings() {
	s.setAndExecute(s.factory.Settings())
}

func (s *Session) doFSync() {
	s.setAndExecute(s.factory.FolderSync())
}

// doReFSync runs the folder syncs that syncs demand. A folder sync
// that keeps being demanded without the folder table ever changing
// means client and server disagree in a way resync cannot fix, and
// grinding the loop forever would just hide that.
func (s *Session) doReFSync() {

	fp, err := s.st.FolderFingerprint(s.accountID)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to fingerprint folders", "err", err)
	} else if fp == s.lastResyncFP {

		s.resyncRun++

		if s.resyncRun >= s.resyncFatal {
			panic(fmt.Sprintf("session %d: %d folder resyncs without any folder change",
				s.accountID, s.resyncRun))
		}
	} else {
		s.resyncRun = 0
		s.lastResyncFP = fp
	}

	s.doFSync()
}

func (s *Session) doSync() {

	kit, err := s.picker.SyncKit(false)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to build sync kit", "err", err)
	}

	if kit == nil {

		// Nothing syncable where a sync was demanded. The
		// folder table is probably stale.
		s.machine.PostEvent(EvReFSync, "SYNCKITNULL", nil)
		return
	}

	s.setAndExecute(s.factory.Sync(kit))
}

// doPick asks strategy for the next move. Runs with ActSetsState.
func (s *Session) doPick() {
	s.machine.SetState(s.pickCore())
}

// pickCore cancels whatever ran before, clears events a late
// completion may have posted, and turns the picker's descriptor into
// a running command plus the matching state.
func (s *Session) pickCore() uint32 {

	s.setCmd(nil)
	s.machine.ClearEventQueue()

	d, err := s.picker.Pick()
	if err != nil {
		level.Error(s.logger).Log("msg", "pick failed, idling", "err", err)
		d = &strategy.Descriptor{Action: strategy.ActionWait, Wait: time.Minute}
	}

	switch d.Action {

	case strategy.ActionSync:
		s.setAndExecute(s.factory.Sync(d.Sync))
		return StSyncW

	case strategy.ActionPing:
		s.pokePushAssist()
		s.setAndExecute(s.factory.Ping(d.Ping))
		return StPingW

	case strategy.ActionFetch:
		s.setAndExecute(s.factory.Fetch(d.Fetch))
		return StFetchW

	case strategy.ActionQueueOp:
		s.setAndExecute(s.factory.QueueOp(d.Pending))
		return StQOpW

	case strategy.ActionHotQueueOp:
		s.setAndExecute(s.factory.QueueOp(d.Pending))
		return StHotQOpW

	case strategy.ActionFolderSync:
		s.doFSync()
		return StFSyncW

	default:
		s.setAndExecute(newWaitCmd(waitOrDefault(d.Wait)))
		return StIdleW
	}
}

func waitOrDefault(d time.Duration) time.Duration {

	if d <= 0 {
		return time.Minute
	}

	return d
}

// doNopOrPick handles Launch while an urgent operation may already
// be running: a live command keeps running, a parked one is replaced
// by a fresh pick.
func (s *Session) doNopOrPick() {

	if s.currentCmd() == nil {
		s.doPick()
	}
	// Otherwise leave the state alone, the command reports soon.
}

// doExtraOrDont decides whether a newly queued urgent operation gets
// a side-channel slot beside the running command. Only a healthy,
// reasonably fast link qualifies, and at most extraCap slots run.
func (s *Session) doExtraOrDont() {

	if s.net.ServerQuality(s.server) == netstatus.QualityOK &&
		s.net.CurrentSpeed() != netstatus.SpeedCellSlow &&
		atomic.LoadInt32(&s.extraCount) < s.extraCap {

		atomic.AddInt32(&s.extraCount, 1)

		d, err := s.picker.PickUserDemand()
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to pick user demand", "err", err)
		}

		if d == nil {
			// Nothing urgent after all, free the slot.
			atomic.AddInt32(&s.extraCount, -1)
		} else {

			level.Debug(s.logger).Log("msg", "starting side-channel request", "action", d.Action.String())

			var cmd Cmd

			switch d.Action {
			case strategy.ActionQueueOp, strategy.ActionHotQueueOp:
				cmd = s.factory.QueueOp(d.Pending)
			case strategy.ActionFetch:
				cmd = s.factory.Fetch(d.Fetch)
			}

			if cmd == nil {
				level.Error(s.logger).Log("msg", "side-channel pick returned unusable action", "action", d.Action.String())
				atomic.AddInt32(&s.extraCount, -1)
				return
			}

			cmd.Execute(extraSink{s: s})

			// Leave the state alone, the main command keeps
			// running.
			return
		}
	}

	if atomic.LoadInt32(&s.extraCount) == 0 {

		// No side channel running. Interrupt the base request
		// for the hot work, unless it is itself hot already.
		if s.machine.State() != StHotQOpW {
			s.doPick()
		}
	}
	// With side channels in flight the hot work waits for a slot.
}

// extraDone frees a side-channel slot and asks the machine to look
// for the next piece of hot work.
func (s *Session) extraDone() {

	atomic.AddInt32(&s.extraCount, -1)
	s.machine.PostEvent(EvPendQHot, "EXTRADONE", nil)
}

// ExtraRequestCount reports the side-channel slots in use.
func (s *Session) ExtraRequestCount() int {
	return int(atomic.LoadInt32(&s.extraCount))
}

// doPark stops all wire activity and fails the pendings that must
// not fire later without the user watching.
func (s *Session) doPark() {

	if s.push != nil {
		s.push.Park()
	}

	s.setCmd(nil)

	if _, err := s.st.ResolveAllDelayNotAllowedAsFailed(s.accountID); err != nil {
		level.Warn(s.logger).Log("msg", "failed to fail delay-intolerant pendings", "err", err)
	}
}

// doDrive resumes a parked session at its persisted state. States
// that were waiting on the UI resume at discovery instead, the
// answer they waited for is long gone.
func (s *Session) doDrive() {

	s.pokePushAssist()

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to load resume state", "err", err)
		s.machine.SetState(StDiscW)
		s.machine.PostEvent(fsm.EvLaunch, "DRIVE", nil)
		return
	}

	state := ps.ControlState

	switch state {
	case StUiDCrdW, StUiServConfW, StUiCertOkW:
		state = StDiscW
	case fsm.StateStop, StParked:
		state = fsm.StateStart
	}

	s.machine.SetState(state)
	s.machine.PostEvent(fsm.EvLaunch, "DRIVE", nil)
}

// UI request plumbing. The discovery command accepts answers
// mid-flight, anything else is simply canceled while we wait.

func (s *Session) doUiCredReq() {

	if cmd := s.currentCmd(); cmd != nil {

		if _, ok := cmd.(DiscoverCmd); !ok {
			cmd.Cancel()
		}
	}

	preset := BackendCredWait
	s.setBackendPreset(&preset)

	if s.owner != nil {
		s.owner.CredReq(s)
	}
}

func (s *Session) doSetCred() {

	if _, err := s.st.RestoreUserBlocked(s.accountID); err != nil {
		level.Warn(s.logger).Log("msg", "failed to restore user-blocked pendings", "err", err)
	}

	if dc, ok := s.currentCmd().(DiscoverCmd); ok {
		dc.CredSet()
	}
}

func (s *Session) doUiServConfReq() {

	preset := BackendServerConfWait
	s.setBackendPreset(&preset)

	if s.owner != nil {
		s.owner.ServConfReq(s, s.machine.FiredEvent().Arg)
	}
}

func (s *Session) doSetServConf() {

	if dc, ok := s.currentCmd().(DiscoverCmd); ok {
		dc.ServerSet()
	}
}

func (s *Session) doUiCertOkReq() {

	cert, _ := s.machine.FiredEvent().Arg.(*x509.Certificate)

	s.statusMu.Lock()
	s.serverCert = cert
	preset := BackendCertAskWait
	s.backendPreset = &preset
	s.statusMu.Unlock()

	if s.owner != nil {
		s.owner.CertAskReq(s, cert)
	}
}

func (s *Session) doCertOkYes() {

	if dc, ok := s.currentCmd().(DiscoverCmd); ok {
		dc.CertResult(true)
	}
}

func (s *Session) doCertOkNo() {

	if dc, ok := s.currentCmd().(DiscoverCmd); ok {
		dc.CertResult(false)
	}
}
