package session_test

import (
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelmail/keel/fsm"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/session"
	"github.com/keelmail/keel/store"
	"github.com/keelmail/keel/strategy"
)

const testAccount int64 = 1

// Structs

type fakeCmd struct {
	kind string

	mu         sync.Mutex
	sink       session.EventSink
	executions int
	canceled   bool
}

func (c *fakeCmd) Execute(sink session.EventSink) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink = sink
	c.executions++
}

func (c *fakeCmd) Cancel() {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.canceled = true
}

func (c *fakeCmd) wasCanceled() bool {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.canceled
}

// post reports a terminal event the way a finished wire command
// would.
func (c *fakeCmd) post(code uint32) {

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	sink.PostEvent(code, "TESTCMD", nil)
}

type fakeDiscoverCmd struct {
	fakeCmd

	credSet     int
	serverSet   int
	certResults []bool
}

func (c *fakeDiscoverCmd) CredSet() {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.credSet++
}

func (c *fakeDiscoverCmd) ServerSet() {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.serverSet++
}

func (c *fakeDiscoverCmd) CertResult(ok bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.certResults = append(c.certResults, ok)
}

type fakeFactory struct {
	mu           sync.Mutex
	cmds         map[string][]*fakeCmd
	discovers    []*fakeDiscoverCmd
	forcedOldest int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{cmds: make(map[string][]*fakeCmd)}
}

func (f *fakeFactory) make(kind string) *fakeCmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := &fakeCmd{kind: kind}
	f.cmds[kind] = append(f.cmds[kind], cmd)

	return cmd
}

func (f *fakeFactory) Discover() session.Cmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := &fakeDiscoverCmd{fakeCmd: fakeCmd{kind: "discover"}}
	f.discovers = append(f.discovers, cmd)

	return cmd
}

func (f *fakeFactory) Options() session.Cmd    { return f.make("options") }
func (f *fakeFactory) Provision() session.Cmd  { return f.make("provision") }
func (f *fakeFactory) Settings() session.Cmd   { return f.make("settings") }
func (f *fakeFactory) FolderSync() session.Cmd { return f.make("foldersync") }

func (f *fakeFactory) Sync(kit *strategy.SyncKit) session.Cmd   { return f.make("sync") }
func (f *fakeFactory) Ping(kit *strategy.PingKit) session.Cmd   { return f.make("ping") }
func (f *fakeFactory) Fetch(kit *strategy.FetchKit) session.Cmd { return f.make("fetch") }
func (f *fakeFactory) QueueOp(p *store.Pending) session.Cmd     { return f.make("queueop") }

func (f *fakeFactory) ForceOldestProtocol() {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.forcedOldest++
}

func (f *fakeFactory) last(t *testing.T, kind string) *fakeCmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	cmds := f.cmds[kind]
	require.NotEmpty(t, cmds, "no %s command was built", kind)

	return cmds[len(cmds)-1]
}

func (f *fakeFactory) lastDiscover(t *testing.T) *fakeDiscoverCmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.discovers, "no discover command was built")

	return f.discovers[len(f.discovers)-1]
}

func (f *fakeFactory) count(kind string) int {

	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.cmds[kind])
}

type fakePicker struct {
	mu          sync.Mutex
	picks       []*strategy.Descriptor
	demands     []*strategy.Descriptor
	pickCalls   int
	demandCalls int
}

func (p *fakePicker) pushPick(d *strategy.Descriptor) {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.picks = append(p.picks, d)
}

func (p *fakePicker) pushDemand(d *strategy.Descriptor) {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.demands = append(p.demands, d)
}

func (p *fakePicker) Pick() (*strategy.Descriptor, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pickCalls++

	if len(p.picks) == 0 {
		return &strategy.Descriptor{Action: strategy.ActionWait, Wait: time.Hour}, nil
	}

	d := p.picks[0]
	p.picks = p.picks[1:]

	return d, nil
}

func (p *fakePicker) PickUserDemand() (*strategy.Descriptor, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.demandCalls++

	if len(p.demands) == 0 {
		return nil, nil
	}

	d := p.demands[0]
	p.demands = p.demands[1:]

	return d, nil
}

func (p *fakePicker) SyncKit(narrow bool) (*strategy.SyncKit, error) {
	return &strategy.SyncKit{}, nil
}

func (p *fakePicker) PingKit(narrow bool, ignoreExpected bool) (*strategy.PingKit, error) {
	return &strategy.PingKit{}, nil
}

func (p *fakePicker) FetchKit() (*strategy.FetchKit, error) {
	return &strategy.FetchKit{}, nil
}

func (p *fakePicker) AdvanceIfPossible() (int, error) {
	return 0, nil
}

func (p *fakePicker) pickCount() int {

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pickCalls
}

type fakeOwner struct {
	mu       sync.Mutex
	credReqs int
	servReqs int
	certReqs int
}

func (o *fakeOwner) CredReq(s *session.Session) {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.credReqs++
}

func (o *fakeOwner) ServConfReq(s *session.Session, arg interface{}) {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.servReqs++
}

func (o *fakeOwner) CertAskReq(s *session.Session, cert *x509.Certificate) {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.certReqs++
}

type harness struct {
	st       *store.Store
	net      *netstatus.Monitor
	picker   *fakePicker
	factory  *fakeFactory
	owner    *fakeOwner
	sess     *session.Session
	statuses *[]session.StatusEvent
}

// Functions

func newHarness(t *testing.T) *harness {

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, st.Close())
	})

	var statuses []session.StatusEvent

	h := &harness{
		st:       st,
		net:      netstatus.NewMonitor(),
		picker:   &fakePicker{},
		factory:  newFakeFactory(),
		owner:    &fakeOwner{},
		statuses: &statuses,
	}

	sess, err := session.New(session.Params{
		Logger:    log.NewNopLogger(),
		Store:     st,
		Picker:    h.picker,
		Factory:   h.factory,
		Net:       h.net,
		AccountID: testAccount,
		Server:    "mail.example.com",
		Owner:     h.owner,
		StatusInd: func(ev session.StatusEvent) {
			statuses = append(statuses, ev)
		},
	})
	require.NoError(t, err)

	h.sess = sess

	return h
}

// driveToSyncW walks the session from cold start into its first
// sync, completing each setup command in turn.
func (h *harness) driveToSyncW(t *testing.T) {

	h.picker.pushPick(&strategy.Descriptor{Action: strategy.ActionSync, Sync: &strategy.SyncKit{}})

	require.True(t, h.sess.Execute())
	require.Equal(t, session.StDiscW, h.sess.State())

	h.factory.lastDiscover(t).post(fsm.EvSuccess)
	require.Equal(t, session.StOptW, h.sess.State())

	h.factory.last(t, "options").post(fsm.EvSuccess)
	require.Equal(t, session.StProvW, h.sess.State())

	h.factory.last(t, "provision").post(fsm.EvSuccess)
	require.Equal(t, session.StSettingsW, h.sess.State())

	h.factory.last(t, "settings").post(fsm.EvSuccess)
	require.Equal(t, session.StFSyncW, h.sess.State())

	h.factory.last(t, "foldersync").post(fsm.EvSuccess)
	require.Equal(t, session.StSyncW, h.sess.State())
}

func TestRunThroughToSync(t *testing.T) {

	h := newHarness(t)

	assert.Equal(t, session.BackendNotYetStarted, h.sess.BackendState())

	h.driveToSyncW(t)

	assert.Equal(t, 1, h.picker.pickCount())
	assert.Equal(t, session.BackendPreInboxSync, h.sess.BackendState())
	assert.NotEmpty(t, *h.statuses)

	// Once the inbox has synced the coarse status flips for good.
	_, err := h.st.ApplyToState(testAccount, func(ps *store.ProtocolState) bool {
		ps.HasSyncedInbox = true
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, session.BackendPostInboxSync, h.sess.BackendState())
}

func TestExecuteRefusedWhileDown(t *testing.T) {

	h := newHarness(t)

	// The reachability flip parks the session outright.
	h.net.SetUp(false)
	assert.Equal(t, session.StParked, h.sess.State())

	assert.False(t, h.sess.Execute())
	assert.Equal(t, session.StParked, h.sess.State())
}

func TestOldProtocolFallback(t *testing.T) {

	h := newHarness(t)

	require.True(t, h.sess.Execute())
	h.factory.lastDiscover(t).post(fsm.EvSuccess)
	require.Equal(t, session.StOptW, h.sess.State())

	// Capability negotiation hard-fails: assume the oldest
	// protocol and provision anyway.
	h.factory.last(t, "options").post(fsm.EvHardFail)

	assert.Equal(t, session.StProvW, h.sess.State())
	assert.Equal(t, 1, h.factory.forcedOldest)
	assert.Equal(t, 1, h.factory.count("provision"))
}

func TestCredentialRoundTrip(t *testing.T) {

	h := newHarness(t)

	blocked := &store.Pending{
		AccountID: testAccount,
		Operation: store.OpEmailSend,
	}
	require.NoError(t, h.st.InsertPending(blocked))
	require.NoError(t, h.st.ResolveAsUserBlocked(blocked.ID))

	require.True(t, h.sess.Execute())

	h.factory.lastDiscover(t).post(session.EvAuthFail)

	assert.Equal(t, session.StUiDCrdW, h.sess.State())
	assert.Equal(t, 1, h.owner.credReqs)
	assert.Equal(t, session.BackendCredWait, h.sess.BackendState())

	// The UI wait must not be the resume point, a restart has to
	// rediscover instead.
	ps, err := h.st.ProtocolState(testAccount)
	require.NoError(t, err)
	assert.Equal(t, session.StDiscW, ps.ControlState)

	h.sess.CredResp()

	assert.Equal(t, session.StDiscW, h.sess.State())
	assert.Equal(t, 2, len(h.factory.discovers))

	// Fresh credentials free the work that was waiting on them.
	got, err := h.st.PendingByToken(blocked.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingEligible, got.State)
}

func TestParkFailsDelayIntolerantPendings(t *testing.T) {

	h := newHarness(t)

	urgent := &store.Pending{
		AccountID:       testAccount,
		Operation:       store.OpEmailSend,
		DelayNotAllowed: true,
	}
	require.NoError(t, h.st.InsertPending(urgent))

	patient := &store.Pending{
		AccountID: testAccount,
		Operation: store.OpEmailMarkRead,
	}
	require.NoError(t, h.st.InsertPending(patient))

	h.driveToSyncW(t)
	h.sess.Park()

	assert.Equal(t, session.StParked, h.sess.State())
	assert.True(t, h.factory.last(t, "sync").wasCanceled())

	got, err := h.st.PendingByToken(urgent.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingFailed, got.State)

	got, err = h.st.PendingByToken(patient.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingEligible, got.State)

	// Parked never overwrites the resume state.
	ps, err := h.st.ProtocolState(testAccount)
	require.NoError(t, err)
	assert.Equal(t, session.StSyncW, ps.ControlState)
}

func TestDriveRestoresSavedState(t *testing.T) {

	h := newHarness(t)

	h.driveToSyncW(t)
	h.sess.Park()
	require.Equal(t, session.StParked, h.sess.State())

	// Resuming lands back in sync, whose launch asks the picker.
	require.True(t, h.sess.Execute())

	assert.Equal(t, session.StIdleW, h.sess.State())
	assert.Equal(t, 2, h.picker.pickCount())
}

func TestNetworkFlapParksAndResumes(t *testing.T) {

	h := newHarness(t)

	h.driveToSyncW(t)

	h.net.SetUp(false)
	assert.Equal(t, session.StParked, h.sess.State())

	h.net.SetUp(true)
	assert.Equal(t, session.StIdleW, h.sess.State())
}

func TestStaleCompletionIgnored(t *testing.T) {

	h := newHarness(t)

	h.driveToSyncW(t)

	syncCmd := h.factory.last(t, "sync")

	// An out-of-turn sync demand repicks, canceling the running
	// sync mid-flight.
	h.picker.pushPick(&strategy.Descriptor{Action: strategy.ActionPing, Ping: &strategy.PingKit{}})
	syncCmd.post(session.EvReSync)

	require.Equal(t, session.StPingW, h.sess.State())
	assert.True(t, syncCmd.wasCanceled())
	require.Equal(t, 2, h.picker.pickCount())

	// The canceled sync reports anyway. Its completion is stale
	// and must not drive the machine.
	syncCmd.post(fsm.EvSuccess)

	assert.Equal(t, session.StPingW, h.sess.State())
	assert.Equal(t, 2, h.picker.pickCount())
}

func TestResyncLoopWithoutChangesPanics(t *testing.T) {

	h := newHarness(t)

	require.NoError(t, h.st.InsertFolder(&store.Folder{
		AccountID:   testAccount,
		ServerID:    "inbox",
		DisplayName: "Inbox",
		Class:       store.ClassEmail,
		IsDefault:   true,
	}))

	h.driveToSyncW(t)

	// First demand establishes the fingerprint, the next three
	// find it unchanged.
	h.factory.last(t, "sync").post(session.EvReFSync)
	require.Equal(t, session.StFSyncW, h.sess.State())

	for i := 0; i < 3; i++ {
		h.factory.last(t, "foldersync").post(session.EvReFSync)
		require.Equal(t, session.StFSyncW, h.sess.State())
	}

	assert.Panics(t, func() {
		h.factory.last(t, "foldersync").post(session.EvReFSync)
	})
}

func TestExtraRequestCap(t *testing.T) {

	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.picker.pushDemand(&strategy.Descriptor{
			Action:  strategy.ActionHotQueueOp,
			Pending: &store.Pending{Token: "demand"},
		})
	}

	h.driveToSyncW(t)

	for i := 0; i < 4; i++ {
		h.sess.NotifyPendingQueued(true)
		assert.Equal(t, i+1, h.sess.ExtraRequestCount())
	}

	assert.Equal(t, session.StSyncW, h.sess.State())
	assert.Equal(t, 4, h.factory.count("queueop"))

	// All slots taken: the fifth demand neither starts a side
	// request nor interrupts the sync.
	h.sess.NotifyPendingQueued(true)

	assert.Equal(t, 4, h.sess.ExtraRequestCount())
	assert.Equal(t, 4, h.factory.count("queueop"))
	assert.Equal(t, session.StSyncW, h.sess.State())

	// A finished side request frees its slot and pulls in the
	// waiting demand.
	h.factory.last(t, "queueop").post(fsm.EvSuccess)

	assert.Equal(t, 4, h.sess.ExtraRequestCount())
	assert.Equal(t, 5, h.factory.count("queueop"))
	assert.Equal(t, session.StSyncW, h.sess.State())
}

func TestHotDemandWithoutWorkRepicks(t *testing.T) {

	h := newHarness(t)

	h.driveToSyncW(t)

	// The picker has no urgent work after all: the hot signal
	// interrupts the sync for a fresh pick instead.
	h.sess.NotifyPendingQueued(true)

	assert.Equal(t, session.StIdleW, h.sess.State())
	assert.Equal(t, 0, h.sess.ExtraRequestCount())
	assert.True(t, h.factory.last(t, "sync").wasCanceled())
	assert.Equal(t, 2, h.picker.pickCount())
}

func TestSlowLinkNeverSidechannels(t *testing.T) {

	h := newHarness(t)

	h.picker.pushDemand(&strategy.Descriptor{
		Action:  strategy.ActionHotQueueOp,
		Pending: &store.Pending{Token: "demand"},
	})

	h.driveToSyncW(t)
	h.net.SetSpeed(netstatus.SpeedCellSlow)

	h.sess.NotifyPendingQueued(true)

	assert.Equal(t, 0, h.sess.ExtraRequestCount())
	assert.Equal(t, 0, h.factory.count("queueop"))
	// The base request is interrupted for the hot work instead.
	assert.Equal(t, 2, h.picker.pickCount())
}
