// Package strategy decides what a protocol session does next: it
// owns the progressive sync scope ladder, assembles sync, ping and
// fetch request kits, and picks the single best piece of work given
// the pending queue, network status and execution context.
package strategy

import "github.com/keelmail/keel/store"

// ItemType distinguishes the synced item classes on the ladder.
type ItemType int

const (
	ItemEmail ItemType = iota
	ItemCal
	ItemContact
)

// EmailScope is how much mail a rung asks for. Def scopes cover the
// default inbox only, All scopes cover every email folder.
type EmailScope int

const (
	EmailScopeNone EmailScope = iota
	EmailScopeDef1d
	EmailScopeDef3d
	EmailScopeDef1w
	EmailScopeDef2w
	EmailScopeAll1m
	EmailScopeAllInf
)

// CalScope is how much calendar a rung asks for.
type CalScope int

const (
	CalScopeNone CalScope = iota
	CalScopeDef2w
	CalScopeAll1m
	CalScopeAllInf
)

// ContactScope is how much of the address book a rung asks for. Ric
// is the server-maintained recent contacts folder.
type ContactScope int

const (
	ContactScopeNone ContactScope = iota
	ContactScopeRic
	ContactScopeDefRic
	ContactScopeAll
)

// Per-rung capability flags.
type ScopeFlag uint

const (
	// FlagRicSynced marks rungs where recent contacts have been
	// brought in, enabling sender portraits early.
	FlagRicSynced ScopeFlag = 1 << iota
	// FlagNarrowSyncOk marks rungs deep enough that a narrow
	// inbox-and-calendar sync makes sense.
	FlagNarrowSyncOk
	// FlagIgnorePower marks catch-up rungs that speculate even on
	// battery, because a usable mailbox is worth the charge.
	FlagIgnorePower
)

// FilterCode is the wire value for a time-window filter on a sync
// request.
type FilterCode uint

const (
	FilterSyncAll FilterCode = iota
	FilterOneDay
	FilterThreeDays
	FilterOneWeek
	FilterTwoWeeks
	FilterOneMonth
	FilterThreeMonths
	FilterSixMonths
)

// rung is one row of the ladder.
type rung struct {
	email   EmailScope
	cal     CalScope
	contact ContactScope
	flags   ScopeFlag
}

// The ladder. An account starts at rung zero with recent contacts
// only, and ends at the top rung syncing everything without a time
// window.
var ladder = []rung{
	{EmailScopeNone, CalScopeNone, ContactScopeRic, FlagIgnorePower},
	{EmailScopeDef1d, CalScopeDef2w, ContactScopeRic, FlagRicSynced | FlagIgnorePower},
	{EmailScopeDef3d, CalScopeDef2w, ContactScopeRic, FlagRicSynced | FlagNarrowSyncOk | FlagIgnorePower},
	{EmailScopeDef1w, CalScopeDef2w, ContactScopeRic, FlagRicSynced | FlagNarrowSyncOk},
	{EmailScopeDef2w, CalScopeDef2w, ContactScopeRic, FlagRicSynced | FlagNarrowSyncOk},
	{EmailScopeAll1m, CalScopeAll1m, ContactScopeDefRic, FlagRicSynced | FlagNarrowSyncOk},
	{EmailScopeAllInf, CalScopeAllInf, ContactScopeAll, FlagRicSynced | FlagNarrowSyncOk},
}

// Functions

// RungTop returns the highest rung of the ladder.
func RungTop() int {
	return len(ladder) - 1
}

func clampRung(r int) int {

	if r < 0 {
		return 0
	}

	if r > RungTop() {
		return RungTop()
	}

	return r
}

// EmailScopeAt returns the email scope of the given rung.
func EmailScopeAt(r int) EmailScope {
	return ladder[clampRung(r)].email
}

// CalScopeAt returns the calendar scope of the given rung.
func CalScopeAt(r int) CalScope {
	return ladder[clampRung(r)].cal
}

// ContactScopeAt returns the contact scope of the given rung.
func ContactScopeAt(r int) ContactScope {
	return ladder[clampRung(r)].contact
}

// FlagIsSet reports whether the given rung carries flag.
func FlagIsSet(r int, flag ScopeFlag) bool {
	return ladder[clampRung(r)].flags&flag != 0
}

// RequiredToAdvance returns the item classes whose folders must all
// be caught up before the account may climb from rung r. These are
// the classes whose scope deepens on the next rung; when no already
// synced class deepens, every in-scope class must be caught up.
func RequiredToAdvance(r int) []ItemType {

	r = clampRung(r)

	if r == RungTop() {
		return nil
	}

	var deepening []ItemType

	if EmailScopeAt(r) != EmailScopeNone && EmailScopeAt(r+1) != EmailScopeAt(r) {
		deepening = append(deepening, ItemEmail)
	}

	if CalScopeAt(r) != CalScopeNone && CalScopeAt(r+1) != CalScopeAt(r) {
		deepening = append(deepening, ItemCal)
	}

	if ContactScopeAt(r) != ContactScopeNone && ContactScopeAt(r+1) != ContactScopeAt(r) {
		deepening = append(deepening, ItemContact)
	}

	if len(deepening) > 0 {
		return deepening
	}

	var inScope []ItemType

	if EmailScopeAt(r) != EmailScopeNone {
		inScope = append(inScope, ItemEmail)
	}

	if CalScopeAt(r) != CalScopeNone {
		inScope = append(inScope, ItemCal)
	}

	if ContactScopeAt(r) != ContactScopeNone {
		inScope = append(inScope, ItemContact)
	}

	return inScope
}

// EmailScopeDays returns the window of an email scope in days, zero
// meaning unbounded.
func EmailScopeDays(scope EmailScope) int {

	switch scope {
	case EmailScopeDef1d:
		return 1
	case EmailScopeDef3d:
		return 3
	case EmailScopeDef1w:
		return 7
	case EmailScopeDef2w:
		return 14
	case EmailScopeAll1m:
		return 30
	}

	return 0
}

// EmailFilterCode maps an email scope to its wire filter value.
// Narrow requests always use the tightest window worth showing.
func EmailFilterCode(scope EmailScope, narrow bool) FilterCode {

	if narrow {
		return FilterOneDay
	}

	switch scope {
	case EmailScopeDef1d:
		return FilterOneDay
	case EmailScopeDef3d:
		return FilterThreeDays
	case EmailScopeDef1w:
		return FilterOneWeek
	case EmailScopeDef2w:
		return FilterTwoWeeks
	case EmailScopeAll1m:
		return FilterOneMonth
	}

	return FilterSyncAll
}

// CalFilterCode maps a calendar scope to its wire filter value.
func CalFilterCode(scope CalScope, narrow bool) FilterCode {

	if narrow {
		return FilterTwoWeeks
	}

	switch scope {
	case CalScopeDef2w:
		return FilterTwoWeeks
	case CalScopeAll1m:
		return FilterOneMonth
	}

	return FilterSyncAll
}

// ContactFilterCode returns the wire filter for contacts, which are
// never time-windowed.
func ContactFilterCode() FilterCode {
	return FilterSyncAll
}

// FilterCodeFor returns the wire filter for one folder at the given
// rung.
func FilterCodeFor(f *store.Folder, r int, narrow bool) FilterCode {

	switch f.Class {
	case store.ClassEmail:
		return EmailFilterCode(EmailScopeAt(r), narrow)
	case store.ClassCal:
		return CalFilterCode(CalScopeAt(r), narrow)
	default:
		return ContactFilterCode()
	}
}
