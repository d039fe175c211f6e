package session

import "github.com/keelmail/keel/fsm"

// nodes is the session's complete transition table. Every state
// classifies all eighteen alphabet events, the machine refuses to
// build otherwise.
func (s *Session) nodes() []fsm.Node {

	return []fsm.Node{
		{
			State: fsm.StateStart,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiSetCred, EvUiSetServConf,
				EvUiCertOkNo, EvUiCertOkYes,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvTempFail, fsm.EvHardFail,
				EvReProv, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDisc, State: StDiscW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
			},
		},

		{
			// No HardFail here. There is no getting past
			// discovery without a working server.
			State: StDiscW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
			},
			Invalid: []uint32{
				fsm.EvTempFail, fsm.EvHardFail,
				EvReProv, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDisc, State: StDiscW},
				{Event: fsm.EvSuccess, Act: s.doOpt, State: StOptW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiDCrdW},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvGetServConf, Act: s.doUiServConfReq, State: StUiServConfW},
				{Event: EvGetCertOk, Act: s.doUiCertOkReq, State: StUiCertOkW},
				{Event: EvUiSetServConf, Act: s.doSetServConf, State: StDiscW},
				{Event: EvUiSetCred, Act: s.doSetCred, State: StDiscW},
			},
		},

		{
			State: StUiDCrdW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
				EvReProv, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDisc, State: StDiscW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvUiSetCred, Act: s.doDisc, State: StDiscW},
				{Event: EvUiSetServConf, Act: s.doSetServConf, State: StDiscW},
			},
		},

		{
			State: StUiPCrdW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
				EvReProv, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvUiSetCred, Act: s.doProv, State: StProvW},
				{Event: EvUiSetServConf, Act: s.doSetServConf, State: StProvW},
			},
		},

		{
			State: StUiServConfW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiSetCred, EvUiCertOkNo, EvUiCertOkYes,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
				EvReProv, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDisc, State: StDiscW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvUiSetServConf, Act: s.doSetServConf, State: StDiscW},
			},
		},

		{
			State: StUiCertOkW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync, EvUiSetCred,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
				EvReProv, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDisc, State: StDiscW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvUiCertOkYes, Act: s.doCertOkYes, State: StDiscW},
				{Event: EvUiCertOkNo, Act: s.doCertOkNo, State: StDiscW},
				{Event: EvUiSetServConf, Act: s.doSetServConf, State: StDiscW},
			},
		},

		{
			State: StOptW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvReProv, EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doOpt, State: StOptW},
				{Event: fsm.EvSuccess, Act: s.doProv, State: StProvW},
				{Event: fsm.EvHardFail, Act: s.doOldProtoProv, State: StProvW},
				{Event: fsm.EvTempFail, Act: s.doOpt, State: StOptW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
			},
		},

		{
			State: StProvW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvReProv, EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doProv, State: StProvW},
				{Event: fsm.EvSuccess, Act: s.doSettings, State: StSettingsW},
				{Event: fsm.EvHardFail, Act: s.doProv, State: StProvW},
				{Event: fsm.EvTempFail, Act: s.doProv, State: StProvW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
			},
		},

		{
			State: StSettingsW,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doSettings, State: StSettingsW},
				{Event: fsm.EvSuccess, Act: s.doFSync, State: StFSyncW},
				// Move on to folder sync rather than spin on a
				// settings command the server will not take.
				{Event: fsm.EvHardFail, Act: s.doFSync, State: StFSyncW},
				{Event: fsm.EvTempFail, Act: s.doSettings, State: StSettingsW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
			},
		},

		{
			State: StFSyncW,
			Drop: []uint32{
				EvPendQ, EvPendQHot,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doFSync, State: StFSyncW},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doFSync, State: StFSyncW},
				{Event: fsm.EvTempFail, Act: s.doFSync, State: StFSyncW},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReSync, Act: s.doNop, State: StFSync2W},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StFSync2W,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvReSync,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doFSync, State: StFSync2W},
				{Event: fsm.EvSuccess, Act: s.doSync, State: StSyncW},
				{Event: fsm.EvHardFail, Act: s.doFSync, State: StFSync2W},
				{Event: fsm.EvTempFail, Act: s.doFSync, State: StFSync2W},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSync2W},
			},
		},

		{
			State: StSyncW,
			Drop: []uint32{
				EvPendQ,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvTempFail, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doExtraOrDont, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReSync, Act: s.doPick, ActSetsState: true},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StPingW,
			Drop: []uint32{
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetCertOk, EvGetServConf,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvTempFail, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQ, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doPick, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvReSync, Act: s.doSync, State: StSyncW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StQOpW,
			Drop: []uint32{
				EvPendQ,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvTempFail, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doPick, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvReSync, Act: s.doSync, State: StSyncW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StHotQOpW,
			Drop: []uint32{
				EvPendQ,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doNopOrPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvTempFail, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doExtraOrDont, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvReSync, Act: s.doSync, State: StSyncW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StFetchW,
			Drop: []uint32{
				EvPendQ,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvHardFail, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvTempFail, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doPick, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvReSync, Act: s.doSync, State: StSyncW},
				{Event: EvAuthFail, Act: s.doUiCredReq, State: StUiPCrdW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StIdleW,
			Drop: []uint32{
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				fsm.EvHardFail, fsm.EvTempFail, EvAuthFail,
				EvGetServConf, EvGetCertOk,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doPick, ActSetsState: true},
				{Event: fsm.EvSuccess, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQ, Act: s.doPick, ActSetsState: true},
				{Event: EvPendQHot, Act: s.doPick, ActSetsState: true},
				{Event: EvPark, Act: s.doPark, State: StParked},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
				{Event: EvReProv, Act: s.doProv, State: StProvW},
				{Event: EvReSync, Act: s.doSync, State: StSyncW},
				{Event: EvReFSync, Act: s.doReFSync, State: StFSyncW},
			},
		},

		{
			State: StParked,
			Drop: []uint32{
				EvPendQ, EvPendQHot, EvPark,
				EvUiCertOkNo, EvUiCertOkYes,
				EvUiSetCred, EvUiSetServConf,
			},
			Invalid: []uint32{
				fsm.EvSuccess, fsm.EvHardFail, fsm.EvTempFail,
				EvReProv, EvReSync, EvAuthFail,
				EvGetServConf, EvGetCertOk, EvReFSync,
			},
			On: []fsm.Trans{
				{Event: fsm.EvLaunch, Act: s.doDrive, ActSetsState: true},
				{Event: EvReDisc, Act: s.doDisc, State: StDiscW},
			},
		},
	}
}
