package session

import (
	"github.com/go-kit/kit/metrics"
)

type metricsService struct {
	service Service
	parks   metrics.Counter
	queued  metrics.Counter
}

// NewMetricsService wraps a provided existing session service with
// the given instruments. parks counts park requests, queued counts
// pending notifications labeled by urgency.
func NewMetricsService(s Service, parks metrics.Counter, queued metrics.Counter) Service {
	return &metricsService{
		service: s,
		parks:   parks,
		queued:  queued,
	}
}

func (s *metricsService) Execute() bool {
	return s.service.Execute()
}

func (s *metricsService) Park() {

	s.parks.Add(1)

	s.service.Park()
}

func (s *metricsService) ForceStop() {

	s.parks.Add(1)

	s.service.ForceStop()
}

func (s *metricsService) CredResp() {
	s.service.CredResp()
}

func (s *metricsService) ServerConfResp(forceRediscovery bool) {
	s.service.ServerConfResp(forceRediscovery)
}

func (s *metricsService) CertAskResp(ok bool) {
	s.service.CertAskResp(ok)
}

func (s *metricsService) NotifyPendingQueued(hot bool) {

	if hot {
		s.queued.With("urgency", "hot").Add(1)
	} else {
		s.queued.With("urgency", "normal").Add(1)
	}

	s.service.NotifyPendingQueued(hot)
}

func (s *metricsService) BackendState() BackendState {
	return s.service.BackendState()
}
