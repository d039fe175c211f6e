package strategy

import (
	"math/rand"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/store"
)

// Sizing baselines. The effective size is the baseline times the
// link speed multiplier.
const (
	BaseOverallWindowSize   = 150
	BasePerFolderWindowSize = 100
	BaseFetchSize           = 10
)

// perFolderPendingCap bounds how many riding pendings one folder
// contributes to a single sync request.
const perFolderPendingCap = 25

// Structs

// Tuning collects the picker's timing and probability knobs.
type Tuning struct {
	// NarrowSyncStale is how old the last narrow sync may get in
	// foreground or background before freshening the inbox wins.
	NarrowSyncStale time.Duration
	// QuickSyncStale is the same bound for quick sync wakeups.
	QuickSyncStale time.Duration
	// PingStale is how long without a completed ping we tolerate
	// before freshening instead of trusting the push channel.
	PingStale time.Duration
	// FolderSyncStale is how old the folder hierarchy may get
	// before a folder sync is scheduled.
	FolderSyncStale time.Duration
	// ScrubAge is how long a quiet folder may sit before its
	// cursor is considered possibly wedged and re-flagged.
	ScrubAge time.Duration
	// FetchOdds is the chance that speculation prefers fetching
	// bodies over deepening the sync scope.
	FetchOdds float64
	// WidePingOdds is the chance that an idle ping covers the
	// full folder scope instead of just inbox and calendar.
	WidePingOdds float64
	// WaitInterval is how long a Wait descriptor parks the
	// session before the next pick.
	WaitInterval time.Duration
}

// DefaultTuning returns the stock knob settings.
func DefaultTuning() Tuning {

	return Tuning{
		NarrowSyncStale: 3 * time.Minute,
		QuickSyncStale:  2 * time.Minute,
		PingStale:       10 * time.Minute,
		FolderSyncStale: 5 * time.Minute,
		ScrubAge:        24 * time.Hour,
		FetchOdds:       0.3,
		WidePingOdds:    0.2,
		WaitInterval:    time.Minute,
	}
}

// Picker is what a session asks for its next move. Implementations
// wrap each other middleware style.
type Picker interface {
	Pick() (*Descriptor, error)
	PickUserDemand() (*Descriptor, error)
	SyncKit(narrow bool) (*SyncKit, error)
	PingKit(narrow bool, ignoreExpected bool) (*PingKit, error)
	FetchKit() (*FetchKit, error)
	AdvanceIfPossible() (int, error)
}

// Strategy is the concrete picker for one account.
type Strategy struct {
	logger    log.Logger
	st        *store.Store
	net       *netstatus.Monitor
	accountID int64
	server    string

	// daysToSync caps how deep the ladder may climb, zero means
	// unbounded.
	daysToSync int

	tuning Tuning

	execCtx func() ExecContext
	powerOK func() bool
	clock   func() time.Time
	draw    func() float64

	// ricSynced fires once when the ladder first reaches a rung
	// with recent contacts available.
	ricSynced func()
}

// Interfaces are satisfied below, keep the compiler honest.
var _ Picker = (*Strategy)(nil)

// Functions

// New returns a picker for accountID against server. execCtx and
// powerOK describe the host environment; pass nil for always
// background and always powered.
func New(logger log.Logger, st *store.Store, net *netstatus.Monitor, accountID int64, server string, daysToSync int, tuning Tuning, execCtx func() ExecContext, powerOK func() bool) *Strategy {

	if execCtx == nil {
		execCtx = func() ExecContext { return CtxBackground }
	}

	if powerOK == nil {
		powerOK = func() bool { return true }
	}

	return &Strategy{
		logger:     logger,
		st:         st,
		net:        net,
		accountID:  accountID,
		server:     server,
		daysToSync: daysToSync,
		tuning:     tuning,
		execCtx:    execCtx,
		powerOK:    powerOK,
		clock:      time.Now,
		draw:       rand.Float64,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Strategy) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetDraw overrides the randomness source. Test hook.
func (s *Strategy) SetDraw(draw func() float64) {
	s.draw = draw
}

// OnRicSynced registers the callback firing when recent contacts
// first become fully available.
func (s *Strategy) OnRicSynced(fn func()) {
	s.ricSynced = fn
}

func (s *Strategy) speedMultiplier() int {

	switch s.net.CurrentSpeed() {
	case netstatus.SpeedWiFi:
		return 3
	case netstatus.SpeedCellFast:
		return 2
	}

	return 1
}

// folderList returns the folders in scope at rung r. Narrow scope is
// always just the default inbox and the default calendar.
func (s *Strategy) folderList(r int, narrow bool) ([]*store.Folder, error) {

	email, err := s.emailFolderList(EmailScopeAt(r), narrow)
	if err != nil {
		return nil, err
	}

	cal, err := s.calFolderList(CalScopeAt(r), narrow)
	if err != nil {
		return nil, err
	}

	contact, err := s.contactFolderList(ContactScopeAt(r), narrow)
	if err != nil {
		return nil, err
	}

	out := append(email, cal...)
	out = append(out, contact...)

	return out, nil
}

func (s *Strategy) emailFolderList(scope EmailScope, narrow bool) ([]*store.Folder, error) {

	if narrow || (scope >= EmailScopeDef1d && scope <= EmailScopeDef2w) {

		inbox, err := s.st.DefaultFolder(s.accountID, store.ClassEmail)
		if err != nil || inbox == nil {
			return nil, err
		}

		return []*store.Folder{inbox}, nil
	}

	if scope == EmailScopeNone {
		return nil, nil
	}

	return s.foldersOfClass(store.ClassEmail)
}

func (s *Strategy) calFolderList(scope CalScope, narrow bool) ([]*store.Folder, error) {

	if narrow || scope == CalScopeDef2w {

		cal, err := s.st.DefaultFolder(s.accountID, store.ClassCal)
		if err != nil || cal == nil {
			return nil, err
		}

		return []*store.Folder{cal}, nil
	}

	if scope == CalScopeNone {
		return nil, nil
	}

	return s.foldersOfClass(store.ClassCal)
}

func (s *Strategy) contactFolderList(scope ContactScope, narrow bool) ([]*store.Folder, error) {

	// Contacts are never part of the narrow scope.
	if narrow || scope == ContactScopeNone {
		return nil, nil
	}

	if scope == ContactScopeAll {
		return s.foldersOfClass(store.ClassContact)
	}

	var out []*store.Folder

	ric, err := s.st.RicFolder(s.accountID)
	if err != nil {
		return nil, err
	}

	if ric != nil {
		out = append(out, ric)
	}

	if scope == ContactScopeDefRic {

		def, err := s.st.DefaultFolder(s.accountID, store.ClassContact)
		if err != nil {
			return nil, err
		}

		if def != nil && (ric == nil || def.ID != ric.ID) {
			out = append(out, def)
		}
	}

	return out, nil
}

func (s *Strategy) foldersOfClass(class store.FolderClass) ([]*store.Folder, error) {

	all, err := s.st.SyncedFolders(s.accountID)
	if err != nil {
		return nil, err
	}

	var out []*store.Folder

	for _, f := range all {

		if f.Class == class {
			out = append(out, f)
		}
	}

	return out, nil
}

// canAdvance reports whether every folder gating the next rung is
// caught up and the next rung stays inside the account's sync depth
// cap.
func (s *Strategy) canAdvance(ps *store.ProtocolState) (bool, error) {

	if ps.Rung >= RungTop() {
		return false, nil
	}

	if s.daysToSync > 0 {

		days := EmailScopeDays(EmailScopeAt(ps.Rung + 1))

		if days == 0 || days > s.daysToSync {
			return false, nil
		}
	}

	for _, item := range RequiredToAdvance(ps.Rung) {

		var folders []*store.Folder
		var err error

		switch item {
		case ItemEmail:
			folders, err = s.emailFolderList(EmailScopeAt(ps.Rung), false)
		case ItemCal:
			folders, err = s.calFolderList(CalScopeAt(ps.Rung), false)
		case ItemContact:
			folders, err = s.contactFolderList(ContactScopeAt(ps.Rung), false)
		}

		if err != nil {
			return false, err
		}

		for _, f := range folders {

			if f.Expected || f.SyncKey == store.SyncKeyInitial {
				return false, nil
			}

			riding, err := s.st.QueryEligibleByFolder(s.accountID, f.ServerID)
			if err != nil {
				return false, err
			}

			for _, p := range riding {

				if p.Operation.IsSyncAffecting() {
					return false, nil
				}
			}
		}
	}

	return true, nil
}

// AdvanceIfPossible climbs one rung when the current one is caught
// up, re-flagging the folders newly in scope. Returns the rung the
// account stands on afterwards.
func (s *Strategy) AdvanceIfPossible() (int, error) {

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		return 0, err
	}

	ok, err := s.canAdvance(ps)
	if err != nil || !ok {
		return ps.Rung, err
	}

	oldRung := ps.Rung

	ps, err = s.st.ApplyToState(s.accountID, func(ps *store.ProtocolState) bool {

		if ps.Rung != oldRung {
			return false
		}

		ps.Rung++

		return true
	})
	if err != nil {
		return 0, err
	}

	if ps.Rung == oldRung {
		return ps.Rung, nil
	}

	level.Info(s.logger).Log(
		"msg", "sync scope advanced",
		"account", s.accountID,
		"rung", ps.Rung,
	)

	newScope, err := s.folderList(ps.Rung, false)
	if err != nil {
		return ps.Rung, err
	}

	for _, f := range newScope {

		if err := s.st.SetExpected(f.ID, true); err != nil {
			return ps.Rung, err
		}
	}

	if !FlagIsSet(oldRung, FlagRicSynced) && FlagIsSet(ps.Rung, FlagRicSynced) && s.ricSynced != nil {
		s.ricSynced()
	}

	return ps.Rung, nil
}

// SyncKit assembles a sync request for the current rung, nil when no
// folder needs syncing.
func (s *Strategy) SyncKit(narrow bool) (*SyncKit, error) {

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		return nil, err
	}

	folders, err := s.folderList(ps.Rung, narrow)
	if err != nil {
		return nil, err
	}

	if narrow {
		return s.narrowSyncKit(ps, folders)
	}

	mult := s.speedMultiplier()

	kit := &SyncKit{
		OverallWindowSize: capWindow(BaseOverallWindowSize*mult, ps.SyncLimit),
	}

	for _, f := range folders {

		if ps.SyncLimit > 0 && len(kit.Folders) >= ps.SyncLimit {
			break
		}

		riding, serial, err := s.ridingPendings(f)
		if err != nil {
			return nil, err
		}

		if serial != nil {

			// A serial-only pending must travel alone.
			kit.Folders = []SyncFolder{{
				Folder:     f,
				Filter:     FilterCodeFor(f, ps.Rung, false),
				WindowSize: capWindow(BasePerFolderWindowSize*mult, ps.SyncLimit),
				GetChanges: false,
				Pendings:   []*store.Pending{serial},
			}}

			return kit, nil
		}

		if !f.Expected && f.SyncKey != store.SyncKeyInitial && len(riding) == 0 {
			continue
		}

		kit.Folders = append(kit.Folders, SyncFolder{
			Folder:     f,
			Filter:     FilterCodeFor(f, ps.Rung, false),
			WindowSize: capWindow(BasePerFolderWindowSize*mult, ps.SyncLimit),
			GetChanges: f.SyncKey != store.SyncKeyInitial,
			Pendings:   riding,
		})
	}

	if len(kit.Folders) == 0 {
		return nil, nil
	}

	return kit, nil
}

func (s *Strategy) narrowSyncKit(ps *store.ProtocolState, folders []*store.Folder) (*SyncKit, error) {

	if len(folders) == 0 {
		return nil, nil
	}

	mult := s.speedMultiplier()

	kit := &SyncKit{
		OverallWindowSize: capWindow(BaseOverallWindowSize*mult, ps.SyncLimit),
		IsNarrow:          true,
	}

	for _, f := range folders {

		// Narrow syncs always hit their folders, and the result
		// is interesting by definition.
		if err := s.st.SetExpected(f.ID, true); err != nil {
			return nil, err
		}
		f.Expected = true

		riding, _, err := s.ridingPendings(f)
		if err != nil {
			return nil, err
		}

		kit.Folders = append(kit.Folders, SyncFolder{
			Folder:     f,
			Filter:     FilterCodeFor(f, ps.Rung, true),
			WindowSize: capWindow(BasePerFolderWindowSize*mult, ps.SyncLimit),
			GetChanges: f.SyncKey != store.SyncKeyInitial,
			Pendings:   riding,
		})
	}

	return kit, nil
}

// ridingPendings collects the sync-affecting pendings of one folder.
// A serial-only pending at the head of the queue is returned alone
// via the second result.
func (s *Strategy) ridingPendings(f *store.Folder) ([]*store.Pending, *store.Pending, error) {

	eligible, err := s.st.QueryEligibleByFolder(f.AccountID, f.ServerID)
	if err != nil {
		return nil, nil, err
	}

	var riding []*store.Pending

	for _, p := range eligible {

		if !p.Operation.IsSyncAffecting() {
			continue
		}

		if p.SerialOnly {

			if len(riding) == 0 {
				return nil, p, nil
			}

			// Stop before the serial one, it travels in the
			// next request.
			break
		}

		riding = append(riding, p)

		if len(riding) >= perFolderPendingCap {
			break
		}
	}

	return riding, nil, nil
}

func capWindow(window, limit int) int {

	if limit > 0 && window > limit {
		return limit
	}

	return window
}

// PingKit assembles a long-poll request, nil when some in-scope
// folder still has changes to pull. ignoreExpected skips that guard,
// used when handing the folder set to a push assist service.
func (s *Strategy) PingKit(narrow bool, ignoreExpected bool) (*PingKit, error) {

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		return nil, err
	}

	folders, err := s.folderList(ps.Rung, narrow)
	if err != nil {
		return nil, err
	}

	if len(folders) == 0 {
		return nil, nil
	}

	if !ignoreExpected {

		for _, f := range folders {

			if f.Expected || f.SyncKey == store.SyncKeyInitial {
				return nil, nil
			}
		}
	}

	if len(folders) > ps.MaxPingFolders {
		folders = trimPingFolders(folders, ps.MaxPingFolders)
	}

	return &PingKit{
		Folders:           folders,
		HeartbeatInterval: ps.HeartbeatInterval,
		IsNarrow:          narrow,
	}, nil
}

// trimPingFolders keeps the default inbox and calendar, then fills
// up with the folders unpinged the longest.
func trimPingFolders(folders []*store.Folder, max int) []*store.Folder {

	var keep, rest []*store.Folder

	for _, f := range folders {

		if f.IsDefault && (f.Class == store.ClassEmail || f.Class == store.ClassCal) {
			keep = append(keep, f)
		} else {
			rest = append(rest, f)
		}
	}

	for len(keep) < max && len(rest) > 0 {

		oldest := 0

		for i := 1; i < len(rest); i++ {

			if rest[i].LastPing.Before(rest[oldest].LastPing) {
				oldest = i
			}
		}

		keep = append(keep, rest[oldest])
		rest = append(rest[:oldest], rest[oldest+1:]...)
	}

	if len(keep) > max {
		keep = keep[:max]
	}

	return keep
}

// FetchKit assembles a content download request: queued user asks
// first, prefetch hints filling the remainder. Nil when there is
// nothing to fetch.
func (s *Strategy) FetchKit() (*FetchKit, error) {

	budget := BaseFetchSize * s.speedMultiplier()

	kit := &FetchKit{}

	for _, op := range []store.Operation{
		store.OpAttachmentDownload,
		store.OpEmailBodyDownload,
		store.OpCalBodyDownload,
		store.OpContactBodyDownload,
	} {

		if budget <= 0 {
			break
		}

		pendings, err := s.st.QueryFirstNEligibleByOperation(s.accountID, op, budget)
		if err != nil {
			return nil, err
		}

		kit.Pendings = append(kit.Pendings, pendings...)
		budget -= len(pendings)
	}

	if budget > 0 {

		hints, err := s.st.QueryFetchHints(s.accountID, budget)
		if err != nil {
			return nil, err
		}

		kit.Hints = hints
	}

	if len(kit.Pendings) == 0 && len(kit.Hints) == 0 {
		return nil, nil
	}

	return kit, nil
}

// PickUserDemand returns the most urgent piece of user-visible work,
// nil when there is none. This is also what side-channel slots run.
func (s *Strategy) PickUserDemand() (*Descriptor, error) {

	ctx := s.execCtx()

	if ctx == CtxForeground {

		search, err := s.st.QueryFirstNEligibleByOperation(s.accountID, store.OpSearch, 1)
		if err != nil {
			return nil, err
		}

		if len(search) > 0 {
			return &Descriptor{Action: ActionHotQueueOp, Pending: search[0]}, nil
		}

		for _, op := range []store.Operation{
			store.OpAttachmentDownload,
			store.OpEmailBodyDownload,
			store.OpCalBodyDownload,
			store.OpContactBodyDownload,
		} {

			fetch, err := s.st.QueryFirstNEligibleByOperation(s.accountID, op, 1)
			if err != nil {
				return nil, err
			}

			if len(fetch) > 0 {
				return &Descriptor{Action: ActionHotQueueOp, Pending: fetch[0]}, nil
			}
		}
	}

	if ctx == CtxForeground || ctx == CtxBackground {

		for _, op := range []store.Operation{
			store.OpEmailSend,
			store.OpEmailForward,
			store.OpEmailReply,
			store.OpMeetingResponse,
		} {

			send, err := s.st.QueryFirstNEligibleByOperation(s.accountID, op, 1)
			if err != nil {
				return nil, err
			}

			if len(send) > 0 {
				return &Descriptor{Action: ActionHotQueueOp, Pending: send[0]}, nil
			}
		}
	}

	return nil, nil
}

// narrowChangesFlagged reports whether a narrow-scope folder has
// server changes waiting to be pulled.
func (s *Strategy) narrowChangesFlagged(ps *store.ProtocolState) (bool, error) {

	folders, err := s.folderList(ps.Rung, true)
	if err != nil {
		return false, err
	}

	for _, f := range folders {

		if f.Expected {
			return true, nil
		}
	}

	return false, nil
}

// Pick decides the session's next move. It never returns a nil
// descriptor on success, Wait is the explicit do-nothing.
func (s *Strategy) Pick() (*Descriptor, error) {

	now := s.clock()

	if _, err := s.st.RestoreDeferred(s.accountID); err != nil {
		return nil, err
	}

	if _, err := s.st.ScrubStale(s.accountID, now.Add(-s.tuning.ScrubAge)); err != nil {
		return nil, err
	}

	if _, err := s.AdvanceIfPossible(); err != nil {
		return nil, err
	}

	ps, err := s.st.EnsureProtocolState(s.accountID)
	if err != nil {
		return nil, err
	}

	ctx := s.execCtx()

	// User-visible work always goes first.
	if d, err := s.PickUserDemand(); err != nil || d != nil {
		return d, err
	}

	if ctx == CtxQuickSync {

		if now.Sub(ps.LastNarrowSync) >= s.tuning.QuickSyncStale {

			kit, err := s.SyncKit(true)
			if err != nil {
				return nil, err
			}

			if kit != nil {
				return &Descriptor{Action: ActionSync, Sync: kit}, nil
			}
		}

		return &Descriptor{Action: ActionWait, Wait: s.tuning.WaitInterval}, nil
	}

	// Freshen the inbox when it is stale and either the push
	// channel is stale too or a narrow folder has flagged
	// changes.
	if now.Sub(ps.LastNarrowSync) >= s.tuning.NarrowSyncStale {

		due := now.Sub(ps.LastPing) >= s.tuning.PingStale

		if !due {

			due, err = s.narrowChangesFlagged(ps)
			if err != nil {
				return nil, err
			}
		}

		if due {

			kit, err := s.SyncKit(true)
			if err != nil {
				return nil, err
			}

			if kit != nil {
				return &Descriptor{Action: ActionSync, Sync: kit}, nil
			}
		}
	}

	// Oldest queued work next. Sync-affecting operations ride a
	// sync request, everything else is its own command.
	eligible, err := s.st.QueryEligible(s.accountID)
	if err != nil {
		return nil, err
	}

	if len(eligible) > 0 {

		oldest := eligible[0]

		if oldest.Operation.IsSyncAffecting() {

			kit, err := s.SyncKit(false)
			if err != nil {
				return nil, err
			}

			if kit != nil {
				return &Descriptor{Action: ActionSync, Sync: kit}, nil
			}

		} else if oldest.DelayNotAllowed {
			return &Descriptor{Action: ActionHotQueueOp, Pending: oldest}, nil
		} else {
			return &Descriptor{Action: ActionQueueOp, Pending: oldest}, nil
		}
	}

	// Keep the folder hierarchy fresh.
	if now.Sub(ps.LastFolderSync) >= s.tuning.FolderSyncStale {
		return &Descriptor{Action: ActionFolderSync}, nil
	}

	// Behind a rate limit only the cheap long poll is allowed.
	if s.net.RateLimited(s.server, now) {

		kit, err := s.PingKit(true, false)
		if err != nil {
			return nil, err
		}

		if kit != nil {
			return &Descriptor{Action: ActionPing, Ping: kit}, nil
		}

		return &Descriptor{Action: ActionWait, Wait: s.tuning.WaitInterval}, nil
	}

	// In the foreground, idle bandwidth goes to prefetching what
	// the user is likely to open.
	if ctx == CtxForeground {

		kit, err := s.FetchKit()
		if err != nil {
			return nil, err
		}

		if kit != nil {
			return &Descriptor{Action: ActionFetch, Fetch: kit}, nil
		}
	}

	// Speculative work: deepen the sync scope or prefetch bodies.
	if s.powerOK() || FlagIsSet(ps.Rung, FlagIgnorePower) {

		syncKit, err := s.SyncKit(false)
		if err != nil {
			return nil, err
		}

		fetchKit, err := s.FetchKit()
		if err != nil {
			return nil, err
		}

		switch {
		case syncKit != nil && fetchKit != nil:

			if s.draw() < s.tuning.FetchOdds {
				return &Descriptor{Action: ActionFetch, Fetch: fetchKit}, nil
			}

			return &Descriptor{Action: ActionSync, Sync: syncKit}, nil

		case syncKit != nil:
			return &Descriptor{Action: ActionSync, Sync: syncKit}, nil

		case fetchKit != nil:
			return &Descriptor{Action: ActionFetch, Fetch: fetchKit}, nil
		}
	}

	// Nothing to do, sit on a long poll.
	narrow := s.draw() >= s.tuning.WidePingOdds

	kit, err := s.PingKit(narrow, false)
	if err != nil {
		return nil, err
	}

	if kit == nil {

		// Try the other width before giving up.
		kit, err = s.PingKit(!narrow, false)
		if err != nil {
			return nil, err
		}
	}

	if kit != nil {
		return &Descriptor{Action: ActionPing, Ping: kit}, nil
	}

	return &Descriptor{Action: ActionWait, Wait: s.tuning.WaitInterval}, nil
}

// MarkPinged stamps the kit's folders after a completed long poll.
func (s *Strategy) MarkPinged(kit *PingKit) error {

	ids := make([]int64, 0, len(kit.Folders))

	for _, f := range kit.Folders {
		ids = append(ids, f.ID)
	}

	return errors.Wrap(s.st.MarkPinged(ids, s.clock()), "failed to stamp pinged folders")
}
