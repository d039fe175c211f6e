package backend

import (
	"context"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/keelmail/keel/fsm"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/session"
	"github.com/keelmail/keel/store"
)

// Structs

// Wire bodies. The gateway takes flat JSON, responses carry their
// meaning in the status code.

type syncRequestFolder struct {
	ServerID   string      `json:"server_id"`
	SyncKey    string      `json:"sync_key"`
	Filter     int         `json:"filter"`
	WindowSize int         `json:"window_size"`
	GetChanges bool        `json:"get_changes"`
	Operations []opRequest `json:"operations,omitempty"`
}

type syncRequest struct {
	WindowSize int                 `json:"window_size"`
	Folders    []syncRequestFolder `json:"folders"`
}

type pingRequest struct {
	HeartbeatInterval int      `json:"heartbeat_interval"`
	Folders           []string `json:"folders"`
}

type fetchRequest struct {
	Items []string `json:"items"`
}

type opRequest struct {
	Operation      int    `json:"operation"`
	FolderServerID string `json:"folder_server_id"`
	ItemServerID   string `json:"item_server_id"`
}

// httpCmd is one cancelable request. Execute returns immediately,
// the request runs on its own goroutine and reports through the
// sink.
type httpCmd struct {
	f         *Factory
	name      string
	path      string
	body      interface{}
	onSuccess func()

	mu     sync.Mutex
	cancel context.CancelFunc

	// askedCert is the certificate last handed to the UI for
	// approval.
	askedCert *x509.Certificate

	// result lets a wrapper observe the outcome before it
	// reaches the sink.
	result func(code uint32)
}

func (c *httpCmd) Execute(sink session.EventSink) {

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, sink)
}

func (c *httpCmd) Cancel() {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *httpCmd) run(ctx context.Context, sink session.EventSink) {

	code, arg := c.perform(ctx)

	if ctx.Err() != nil {
		// Canceled mid-flight. Whatever we saw is void.
		return
	}

	c.mu.Lock()
	if code == session.EvGetCertOk {
		c.askedCert, _ = arg.(*x509.Certificate)
	}
	result := c.result
	c.mu.Unlock()

	if result != nil {
		result(code)
	}

	sink.PostEvent(code, "HTTP"+c.name, arg)
}

// perform runs the request and classifies the response into a
// session event.
func (c *httpCmd) perform(ctx context.Context) (uint32, interface{}) {

	req, err := c.f.newRequest(ctx, c.path, c.body)
	if err != nil {
		level.Warn(c.f.logger).Log("msg", "failed to build request", "cmd", c.name, "err", err)
		return fsm.EvHardFail, nil
	}

	resp, err := c.f.httpClient().Do(req)
	if err != nil {

		if ctx.Err() != nil {
			return fsm.EvTempFail, nil
		}

		if cert := askableCert(err); cert != nil {
			return session.EvGetCertOk, cert
		}

		level.Debug(c.f.logger).Log("msg", "request failed", "cmd", c.name, "err", err)
		c.f.net.ReportQuality(c.f.currentServer(), netstatus.QualityDegraded)

		return fsm.EvTempFail, nil
	}

	defer func() {
		io.Copy(ioutil.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {

	case resp.StatusCode == http.StatusOK:
		c.f.net.ReportQuality(c.f.currentServer(), netstatus.QualityOK)

		if c.onSuccess != nil {
			c.onSuccess()
		}

		return fsm.EvSuccess, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return session.EvAuthFail, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		c.f.net.ReportRateLimited(c.f.currentServer(), retryAfter(resp, time.Now()))

		// The server may name a request cap alongside the
		// backoff. It sticks until the server changes it.
		if limit, err := strconv.Atoi(resp.Header.Get("X-Sync-Limit")); err == nil && limit > 0 {

			c.f.stampState(func(ps *store.ProtocolState) bool {

				if ps.SyncLimit == limit {
					return false
				}

				ps.SyncLimit = limit

				return true
			})
		}

		return fsm.EvTempFail, nil

	case resp.StatusCode == http.StatusConflict:
		// The server's folder picture moved under us.
		return session.EvReFSync, nil

	case resp.StatusCode >= 500:
		c.f.net.ReportQuality(c.f.currentServer(), netstatus.QualityDegraded)
		return fsm.EvTempFail, nil

	default:
		level.Warn(c.f.logger).Log("msg", "request rejected", "cmd", c.name, "status", resp.StatusCode)
		return fsm.EvHardFail, nil
	}
}

// askableCert digs the offending certificate out of a TLS
// verification failure, so the session can put it to the user.
func askableCert(err error) *x509.Certificate {

	for {

		switch e := err.(type) {

		case x509.UnknownAuthorityError:
			return e.Cert
		case x509.CertificateInvalidError:
			return e.Cert
		case x509.HostnameError:
			return e.Certificate
		}

		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}

		err = unwrapper.Unwrap()
		if err == nil {
			return nil
		}
	}
}

// retryAfter reads the server's backoff demand, defaulting to one
// minute.
func retryAfter(resp *http.Response, now time.Time) time.Time {

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}

	return now.Add(time.Minute)
}

// discoverCmd accepts mid-flight answers from the UI by rerunning
// the probe with the updated inputs.
type discoverCmd struct {
	*httpCmd

	sinkMu sync.Mutex
	sink   session.EventSink
}

var _ session.DiscoverCmd = (*discoverCmd)(nil)

func (c *discoverCmd) Execute(sink session.EventSink) {

	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()

	c.httpCmd.Execute(sink)
}

func (c *discoverCmd) reRun() {

	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()

	if sink == nil {
		return
	}

	c.httpCmd.Cancel()
	c.httpCmd.Execute(sink)
}

// CredSet reruns discovery with the freshly stored credentials.
func (c *discoverCmd) CredSet() {
	c.reRun()
}

// ServerSet reruns discovery against the freshly stored server.
func (c *discoverCmd) ServerSet() {
	c.reRun()
}

// CertResult applies the user's certificate verdict. Approval pins
// the certificate and retries, rejection asks for different server
// settings since this one cannot be trusted.
func (c *discoverCmd) CertResult(ok bool) {

	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()

	if !ok {

		if sink != nil {
			sink.PostEvent(session.EvGetServConf, "CERTREJECTED", nil)
		}

		return
	}

	if cert := c.lastCert(); cert != nil {
		c.f.TrustCert(cert)
	}

	c.reRun()
}

func (c *discoverCmd) lastCert() *x509.Certificate {

	c.httpCmd.mu.Lock()
	defer c.httpCmd.mu.Unlock()

	return c.askedCert
}

// opCmd wraps a request that settles pending operations: they are
// marked dispatched up front and resolved per the outcome.
type opCmd struct {
	*httpCmd

	st       *store.Store
	logger   log.Logger
	pendings []*store.Pending
	hints    []*store.FetchHint
}

func (c *opCmd) Execute(sink session.EventSink) {

	now := time.Now().UTC()

	for _, p := range c.pendings {

		if err := c.st.MarkDispatched(p.ID, now); err != nil {
			level.Warn(c.logger).Log("msg", "failed to mark pending dispatched", "token", p.Token, "err", err)
		}
	}

	c.httpCmd.mu.Lock()
	c.httpCmd.result = c.settle
	c.httpCmd.mu.Unlock()

	c.httpCmd.Execute(sink)
}

// settle resolves the ridden pendings per the request's outcome.
// Temporary failures defer for a retry, hard ones fail for good,
// auth failures wait on the user for fresh credentials.
func (c *opCmd) settle(code uint32) {

	for _, p := range c.pendings {

		var err error

		switch code {
		case fsm.EvSuccess:
			err = c.st.ResolveAsSuccess(p.ID)
		case fsm.EvHardFail:
			err = c.st.ResolveAsFailed(p.ID)
		case session.EvAuthFail:
			err = c.st.ResolveAsUserBlocked(p.ID)
		default:
			err = c.st.ResolveAsDeferred(p.ID)
		}

		if err != nil {
			level.Warn(c.logger).Log("msg", "failed to resolve pending", "token", p.Token, "err", err)
		}
	}

	if code != fsm.EvSuccess {
		return
	}

	for _, h := range c.hints {

		if err := c.st.DeleteFetchHint(h.ID); err != nil {
			level.Warn(c.logger).Log("msg", "failed to clear fetch hint", "err", err)
		}
	}
}
