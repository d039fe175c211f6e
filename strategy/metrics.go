package strategy

import (
	"github.com/go-kit/kit/metrics"
)

type metricsPicker struct {
	picker Picker
	picks  metrics.Counter
	rung   metrics.Gauge
}

// NewMetricsPicker wraps a provided existing picker with the given
// instruments. picks is labeled by the chosen action, rung tracks
// the account's position on the sync scope ladder.
func NewMetricsPicker(p Picker, picks metrics.Counter, rung metrics.Gauge) Picker {
	return &metricsPicker{
		picker: p,
		picks:  picks,
		rung:   rung,
	}
}

func (s *metricsPicker) Pick() (*Descriptor, error) {

	d, err := s.picker.Pick()

	if err == nil {
		s.picks.With("action", d.Action.String()).Add(1)
	}

	return d, err
}

func (s *metricsPicker) PickUserDemand() (*Descriptor, error) {

	d, err := s.picker.PickUserDemand()

	if err == nil && d != nil {
		s.picks.With("action", d.Action.String()).Add(1)
	}

	return d, err
}

func (s *metricsPicker) SyncKit(narrow bool) (*SyncKit, error) {
	return s.picker.SyncKit(narrow)
}

func (s *metricsPicker) PingKit(narrow bool, ignoreExpected bool) (*PingKit, error) {
	return s.picker.PingKit(narrow, ignoreExpected)
}

func (s *metricsPicker) FetchKit() (*FetchKit, error) {
	return s.picker.FetchKit()
}

func (s *metricsPicker) AdvanceIfPossible() (int, error) {

	rung, err := s.picker.AdvanceIfPossible()

	if err == nil {
		s.rung.Set(float64(rung))
	}

	return rung, err
}
