package session

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type loggingService struct {
	logger  log.Logger
	service Service
}

// NewLoggingService wraps a provided existing session service with
// the provided logger.
func NewLoggingService(s Service, logger log.Logger) Service {
	return &loggingService{logger, s}
}

// Execute wraps this service's Execute method with added logging
// capabilities.
func (s *loggingService) Execute() bool {

	ok := s.service.Execute()

	if ok {
		level.Info(s.logger).Log("msg", "session executing")
	} else {
		level.Info(s.logger).Log("msg", "session execute refused, network down")
	}

	return ok
}

// Park wraps this service's Park method with added logging
// capabilities.
func (s *loggingService) Park() {

	level.Info(s.logger).Log("msg", "session parking")

	s.service.Park()
}

// ForceStop wraps this service's ForceStop method with added logging
// capabilities.
func (s *loggingService) ForceStop() {

	level.Info(s.logger).Log("msg", "session force stopping")

	s.service.ForceStop()
}

func (s *loggingService) CredResp() {

	level.Debug(s.logger).Log("msg", "credentials response from owner")

	s.service.CredResp()
}

func (s *loggingService) ServerConfResp(forceRediscovery bool) {

	level.Debug(s.logger).Log("msg", "server config response from owner", "force_rediscovery", forceRediscovery)

	s.service.ServerConfResp(forceRediscovery)
}

func (s *loggingService) CertAskResp(ok bool) {

	level.Debug(s.logger).Log("msg", "certificate answer from owner", "accepted", ok)

	s.service.CertAskResp(ok)
}

func (s *loggingService) NotifyPendingQueued(hot bool) {

	level.Debug(s.logger).Log("msg", "pending operation queued", "hot", hot)

	s.service.NotifyPendingQueued(hot)
}

func (s *loggingService) BackendState() BackendState {
	return s.service.BackendState()
}
