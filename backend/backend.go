// Package backend implements the protocol commands a session drives
// against an HTTP mail gateway. Each command is one cancelable
// request whose response status is translated into the session's
// event vocabulary.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/session"
	"github.com/keelmail/keel/store"
	"github.com/keelmail/keel/strategy"
)

// Protocol versions the gateway speaks, newest first.
var protocolVersions = []string{"14.1", "14.0", "12.1"}

const defaultRequestTimeout = 4 * time.Minute

// Structs

// Credentials authenticate one account against the gateway.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource hands out the current credentials, so a password
// changed through the UI is picked up without rebuilding the
// factory.
type CredentialSource interface {
	Credentials(accountID int64) (Credentials, error)
}

// Factory builds the protocol commands for one account. It
// implements the command surface a session expects.
type Factory struct {
	logger    log.Logger
	st        *store.Store
	net       *netstatus.Monitor
	creds     CredentialSource
	accountID int64

	mu      sync.Mutex
	baseURL string
	server  string
	client  *http.Client
	proto   string
}

var _ session.CmdFactory = (*Factory)(nil)

// FactoryParams collects the factory's dependencies.
type FactoryParams struct {
	Logger    log.Logger
	Store     *store.Store
	Net       *netstatus.Monitor
	Creds     CredentialSource
	AccountID int64
	Server    string
	BaseURL   string

	// Timeout bounds each request. Zero means the default.
	Timeout time.Duration
}

// Functions

// NewFactory builds a command factory talking to the given gateway.
func NewFactory(p FactoryParams) *Factory {

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Factory{
		logger:    log.With(p.Logger, "backend", p.AccountID),
		st:        p.Store,
		net:       p.Net,
		creds:     p.Creds,
		accountID: p.AccountID,
		baseURL:   p.BaseURL,
		server:    p.Server,
		client: &http.Client{
			Timeout: timeout,
		},
		proto: protocolVersions[0],
	}
}

// ForceOldestProtocol downgrades all subsequent requests to the
// oldest protocol version the gateway speaks.
func (f *Factory) ForceOldestProtocol() {

	f.mu.Lock()
	f.proto = protocolVersions[len(protocolVersions)-1]
	f.mu.Unlock()

	level.Info(f.logger).Log("msg", "forcing oldest protocol version", "version", protocolVersions[len(protocolVersions)-1])
}

// TrustCert pins the given server certificate for all subsequent
// requests. Called after the user approved it.
func (f *Factory) TrustCert(cert *x509.Certificate) {

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	f.mu.Lock()
	defer f.mu.Unlock()

	timeout := f.client.Timeout

	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}

// SetServer repoints the factory at a different gateway host.
// Called after the user supplied new server settings.
func (f *Factory) SetServer(server, baseURL string) {

	f.mu.Lock()
	f.server = server
	f.baseURL = baseURL
	f.mu.Unlock()
}

func (f *Factory) endpoint(path string) string {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.baseURL + path
}

func (f *Factory) currentProto() string {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.proto
}

func (f *Factory) currentServer() string {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.server
}

func (f *Factory) httpClient() *http.Client {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.client
}

// newRequest builds an authenticated request against the gateway.
func (f *Factory) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {

	var buf bytes.Buffer

	if body != nil {

		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint(path), &buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	creds, err := f.creds.Credentials(f.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load credentials")
	}

	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Protocol-Version", f.currentProto())

	return req, nil
}

// Command constructors.

func (f *Factory) Discover() session.Cmd {

	return &discoverCmd{
		httpCmd: f.cmd("discover", "/autodiscover", nil, nil),
	}
}

func (f *Factory) Options() session.Cmd {
	return f.cmd("options", "/options", nil, nil)
}

func (f *Factory) Provision() session.Cmd {
	return f.cmd("provision", "/provision", nil, nil)
}

func (f *Factory) Settings() session.Cmd {
	return f.cmd("settings", "/settings", nil, nil)
}

func (f *Factory) FolderSync() session.Cmd {

	return f.cmd("foldersync", "/foldersync", nil, func() {
		f.stampState(func(ps *store.ProtocolState) bool {
			ps.LastFolderSync = time.Now().UTC()
			return true
		})
	})
}

func (f *Factory) Sync(kit *strategy.SyncKit) session.Cmd {

	body := syncRequest{
		WindowSize: kit.OverallWindowSize,
	}

	var riding []*store.Pending

	for _, sf := range kit.Folders {

		wf := syncRequestFolder{
			ServerID:   sf.Folder.ServerID,
			SyncKey:    sf.Folder.SyncKey,
			Filter:     int(sf.Filter),
			WindowSize: sf.WindowSize,
			GetChanges: sf.GetChanges,
		}

		for _, p := range sf.Pendings {

			wf.Operations = append(wf.Operations, opRequest{
				Operation:      int(p.Operation),
				FolderServerID: p.FolderServerID,
				ItemServerID:   p.ItemServerID,
			})
		}

		body.Folders = append(body.Folders, wf)
		riding = append(riding, sf.Pendings...)
	}

	return &opCmd{
		httpCmd: f.cmd("sync", "/sync", body, func() {
			f.recordSyncSuccess(kit)
		}),
		st:       f.st,
		logger:   f.logger,
		pendings: riding,
	}
}

func (f *Factory) Ping(kit *strategy.PingKit) session.Cmd {

	body := pingRequest{
		HeartbeatInterval: kit.HeartbeatInterval,
	}

	var ids []int64

	for _, folder := range kit.Folders {
		body.Folders = append(body.Folders, folder.ServerID)
		ids = append(ids, folder.ID)
	}

	return f.cmd("ping", "/ping", body, func() {

		if err := f.st.MarkPinged(ids, time.Now().UTC()); err != nil {
			level.Warn(f.logger).Log("msg", "failed to record ping", "err", err)
		}

		f.stampState(func(ps *store.ProtocolState) bool {
			ps.LastPing = time.Now().UTC()
			return true
		})
	})
}

func (f *Factory) Fetch(kit *strategy.FetchKit) session.Cmd {

	var body fetchRequest

	for _, p := range kit.Pendings {
		body.Items = append(body.Items, p.ItemServerID)
	}

	for _, h := range kit.Hints {
		body.Items = append(body.Items, h.ItemServerID)
	}

	return &opCmd{
		httpCmd:  f.cmd("fetch", "/fetch", body, nil),
		st:       f.st,
		logger:   f.logger,
		pendings: kit.Pendings,
		hints:    kit.Hints,
	}
}

func (f *Factory) QueueOp(p *store.Pending) session.Cmd {

	body := opRequest{
		Operation:      int(p.Operation),
		FolderServerID: p.FolderServerID,
		ItemServerID:   p.ItemServerID,
	}

	return &opCmd{
		httpCmd:  f.cmd("queueop", "/op", body, nil),
		st:       f.st,
		logger:   f.logger,
		pendings: []*store.Pending{p},
	}
}

func (f *Factory) cmd(name, path string, body interface{}, onSuccess func()) *httpCmd {

	return &httpCmd{
		f:         f,
		name:      name,
		path:      path,
		body:      body,
		onSuccess: onSuccess,
	}
}

func (f *Factory) recordSyncSuccess(kit *strategy.SyncKit) {

	now := time.Now().UTC()
	inboxSynced := false

	for _, sf := range kit.Folders {

		if err := f.st.RecordSyncAttempt(sf.Folder.ID, now); err != nil {
			level.Warn(f.logger).Log("msg", "failed to record sync attempt", "err", err)
			continue
		}

		if sf.Folder.IsDefault && sf.Folder.Class == store.ClassEmail {
			inboxSynced = true
		}
	}

	f.stampState(func(ps *store.ProtocolState) bool {

		if kit.IsNarrow {
			ps.LastNarrowSync = now
		}

		if inboxSynced {
			ps.HasSyncedInbox = true
		}

		return true
	})
}

func (f *Factory) stampState(mut func(*store.ProtocolState) bool) {

	if _, err := f.st.ApplyToState(f.accountID, mut); err != nil {
		level.Warn(f.logger).Log("msg", "failed to update protocol state", "err", err)
	}
}
