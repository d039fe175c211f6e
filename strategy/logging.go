package strategy

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type loggingPicker struct {
	logger log.Logger
	picker Picker
}

// NewLoggingPicker wraps a provided existing picker with the
// provided logger.
func NewLoggingPicker(p Picker, logger log.Logger) Picker {
	return &loggingPicker{logger, p}
}

// Pick wraps this picker's Pick method with added logging
// capabilities.
func (s *loggingPicker) Pick() (*Descriptor, error) {

	d, err := s.picker.Pick()

	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to pick next operation", "err", err)
		return d, err
	}

	level.Debug(s.logger).Log("msg", "picked next operation", "action", d.Action.String())

	return d, err
}

// PickUserDemand wraps this picker's PickUserDemand method with
// added logging capabilities.
func (s *loggingPicker) PickUserDemand() (*Descriptor, error) {

	d, err := s.picker.PickUserDemand()

	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to pick user demand", "err", err)
		return d, err
	}

	if d != nil {
		level.Debug(s.logger).Log(
			"msg", "picked user demand",
			"action", d.Action.String(),
			"token", d.Pending.Token,
		)
	}

	return d, err
}

func (s *loggingPicker) SyncKit(narrow bool) (*SyncKit, error) {
	return s.picker.SyncKit(narrow)
}

func (s *loggingPicker) PingKit(narrow bool, ignoreExpected bool) (*PingKit, error) {
	return s.picker.PingKit(narrow, ignoreExpected)
}

func (s *loggingPicker) FetchKit() (*FetchKit, error) {
	return s.picker.FetchKit()
}

// AdvanceIfPossible wraps this picker's AdvanceIfPossible method
// with added logging capabilities.
func (s *loggingPicker) AdvanceIfPossible() (int, error) {

	rung, err := s.picker.AdvanceIfPossible()

	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to advance sync scope", "err", err)
	}

	return rung, err
}
