package backend_test

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelmail/keel/backend"
	"github.com/keelmail/keel/fsm"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/session"
	"github.com/keelmail/keel/store"
	"github.com/keelmail/keel/strategy"
)

const testAccount int64 = 1

// Structs

type staticCreds struct{}

func (staticCreds) Credentials(accountID int64) (backend.Credentials, error) {
	return backend.Credentials{Username: "user", Password: "secret"}, nil
}

// chanSink funnels posted events into a channel so the test can wait
// on the command goroutine.
type chanSink struct {
	events chan uint32
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan uint32, 8)}
}

func (s *chanSink) PostEvent(code uint32, mnemonic string, arg interface{}) {
	s.events <- code
}

func (s *chanSink) wait(t *testing.T) uint32 {

	select {
	case code := <-s.events:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command event")
		return 0
	}
}

// Functions

func newTestFactory(t *testing.T, handler http.Handler) (*backend.Factory, *store.Store, *netstatus.Monitor) {

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, st.Close())
	})

	net := netstatus.NewMonitor()

	f := backend.NewFactory(backend.FactoryParams{
		Logger:    log.NewNopLogger(),
		Store:     st,
		Net:       net,
		Creds:     staticCreds{},
		AccountID: testAccount,
		Server:    "mail.example.com",
		BaseURL:   srv.URL,
		Timeout:   5 * time.Second,
	})

	return f, st, net
}

func TestStatusClassification(t *testing.T) {

	cases := []struct {
		name   string
		status int
		want   uint32
	}{
		{"ok", http.StatusOK, fsm.EvSuccess},
		{"unauthorized", http.StatusUnauthorized, session.EvAuthFail},
		{"server error", http.StatusBadGateway, fsm.EvTempFail},
		{"conflict", http.StatusConflict, session.EvReFSync},
		{"bad request", http.StatusBadRequest, fsm.EvHardFail},
	}

	for _, c := range cases {

		t.Run(c.name, func(t *testing.T) {

			f, _, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				require.Equal(t, "user", user)
				require.Equal(t, "secret", pass)

				w.WriteHeader(c.status)
			}))

			sink := newChanSink()
			f.Options().Execute(sink)

			assert.Equal(t, c.want, sink.wait(t))
		})
	}
}

func TestRateLimitRecorded(t *testing.T) {

	f, _, net := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	sink := newChanSink()
	f.Settings().Execute(sink)

	assert.Equal(t, fsm.EvTempFail, sink.wait(t))
	assert.True(t, net.RateLimited("mail.example.com", time.Now().Add(time.Minute)))
	assert.False(t, net.RateLimited("mail.example.com", time.Now().Add(3*time.Minute)))
}

func TestCancelSuppressesCompletion(t *testing.T) {

	release := make(chan struct{})

	f, _, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))

	t.Cleanup(func() { close(release) })

	sink := newChanSink()
	cmd := f.Options()
	cmd.Execute(sink)
	cmd.Cancel()

	select {
	case code := <-sink.events:
		t.Fatalf("canceled command still posted event %d", code)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFolderSyncStampsState(t *testing.T) {

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	_, err := st.EnsureProtocolState(testAccount)
	require.NoError(t, err)

	sink := newChanSink()
	f.FolderSync().Execute(sink)
	require.Equal(t, fsm.EvSuccess, sink.wait(t))

	ps, err := st.ProtocolState(testAccount)
	require.NoError(t, err)
	assert.False(t, ps.LastFolderSync.IsZero())
}

func TestSyncMarksInboxSynced(t *testing.T) {

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	_, err := st.EnsureProtocolState(testAccount)
	require.NoError(t, err)

	inbox := &store.Folder{
		AccountID:   testAccount,
		ServerID:    "inbox",
		DisplayName: "Inbox",
		Class:       store.ClassEmail,
		IsDefault:   true,
	}
	require.NoError(t, st.InsertFolder(inbox))

	kit := &strategy.SyncKit{
		OverallWindowSize: 150,
		IsNarrow:          true,
		Folders: []strategy.SyncFolder{
			{Folder: inbox, WindowSize: 100},
		},
	}

	sink := newChanSink()
	f.Sync(kit).Execute(sink)
	require.Equal(t, fsm.EvSuccess, sink.wait(t))

	ps, err := st.ProtocolState(testAccount)
	require.NoError(t, err)
	assert.True(t, ps.HasSyncedInbox)
	assert.False(t, ps.LastNarrowSync.IsZero())
}

// TestSyncCarriesAndSettlesPendings checks that queued local changes
// ride the sync request and resolve on its outcome.
func TestSyncCarriesAndSettlesPendings(t *testing.T) {

	bodies := make(chan []byte, 2)
	status := http.StatusOK

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(status)
	}))

	_, err := st.EnsureProtocolState(testAccount)
	require.NoError(t, err)

	inbox := &store.Folder{
		AccountID:   testAccount,
		ServerID:    "inbox",
		DisplayName: "Inbox",
		Class:       store.ClassEmail,
		IsDefault:   true,
	}
	require.NoError(t, st.InsertFolder(inbox))

	p := &store.Pending{
		AccountID:      testAccount,
		Operation:      store.OpEmailDelete,
		FolderServerID: "inbox",
		ItemServerID:   "mail-7",
	}
	require.NoError(t, st.InsertPending(p))

	kit := &strategy.SyncKit{
		OverallWindowSize: 100,
		Folders: []strategy.SyncFolder{
			{Folder: inbox, WindowSize: 100, Pendings: []*store.Pending{p}},
		},
	}

	sink := newChanSink()
	f.Sync(kit).Execute(sink)
	require.Equal(t, fsm.EvSuccess, sink.wait(t))

	var body struct {
		Folders []struct {
			ServerID   string `json:"server_id"`
			Operations []struct {
				Operation    int    `json:"operation"`
				ItemServerID string `json:"item_server_id"`
			} `json:"operations"`
		} `json:"folders"`
	}
	require.NoError(t, json.Unmarshal(<-bodies, &body))
	require.Equal(t, 1, len(body.Folders))
	require.Equal(t, 1, len(body.Folders[0].Operations))
	assert.Equal(t, int(store.OpEmailDelete), body.Folders[0].Operations[0].Operation)
	assert.Equal(t, "mail-7", body.Folders[0].Operations[0].ItemServerID)

	// Success removes the ridden pending entirely.
	_, err = st.PendingByToken(p.Token)
	assert.Error(t, err)

	// A server error defers it instead.
	status = http.StatusServiceUnavailable

	p2 := &store.Pending{
		AccountID:      testAccount,
		Operation:      store.OpEmailMarkRead,
		FolderServerID: "inbox",
		ItemServerID:   "mail-8",
	}
	require.NoError(t, st.InsertPending(p2))

	kit2 := &strategy.SyncKit{
		OverallWindowSize: 100,
		Folders: []strategy.SyncFolder{
			{Folder: inbox, WindowSize: 100, Pendings: []*store.Pending{p2}},
		},
	}

	sink = newChanSink()
	f.Sync(kit2).Execute(sink)
	require.Equal(t, fsm.EvTempFail, sink.wait(t))
	<-bodies

	got, err := st.PendingByToken(p2.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingDeferred, got.State)
}

// TestRateLimitPersistsServerLimit checks that a request cap named
// by the server sticks in the protocol state.
func TestRateLimitPersistsServerLimit(t *testing.T) {

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.Header().Set("X-Sync-Limit", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := st.EnsureProtocolState(testAccount)
	require.NoError(t, err)

	sink := newChanSink()
	f.Settings().Execute(sink)
	require.Equal(t, fsm.EvTempFail, sink.wait(t))

	ps, err := st.ProtocolState(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 10, ps.SyncLimit)
}

// TestAuthFailureBlocksPendingOnUser checks that a rejected login
// parks the dispatched pending until fresh credentials restore it.
func TestAuthFailureBlocksPendingOnUser(t *testing.T) {

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	p := &store.Pending{
		AccountID: testAccount,
		Operation: store.OpEmailSend,
	}
	require.NoError(t, st.InsertPending(p))

	sink := newChanSink()
	f.QueueOp(p).Execute(sink)
	require.Equal(t, session.EvAuthFail, sink.wait(t))

	got, err := st.PendingByToken(p.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingUserBlocked, got.State)

	n, err := st.RestoreUserBlocked(testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = st.PendingByToken(p.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingEligible, got.State)
}

func TestQueueOpResolvesPending(t *testing.T) {

	status := http.StatusOK

	f, st, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	p := &store.Pending{
		AccountID: testAccount,
		Operation: store.OpEmailSend,
	}
	require.NoError(t, st.InsertPending(p))

	sink := newChanSink()
	f.QueueOp(p).Execute(sink)
	require.Equal(t, fsm.EvSuccess, sink.wait(t))

	// Success removes the pending entirely.
	_, err := st.PendingByToken(p.Token)
	assert.Error(t, err)

	// A temporary failure defers instead.
	status = http.StatusServiceUnavailable

	p2 := &store.Pending{
		AccountID: testAccount,
		Operation: store.OpEmailMarkRead,
	}
	require.NoError(t, st.InsertPending(p2))

	sink = newChanSink()
	f.QueueOp(p2).Execute(sink)
	require.Equal(t, fsm.EvTempFail, sink.wait(t))

	got, err := st.PendingByToken(p2.Token)
	require.NoError(t, err)
	assert.Equal(t, store.PendingDeferred, got.State)
	assert.Equal(t, 1, got.DeferCount)
}

func TestForceOldestProtocol(t *testing.T) {

	versions := make(chan string, 2)

	f, _, _ := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		versions <- r.Header.Get("X-Protocol-Version")
		w.WriteHeader(http.StatusOK)
	}))

	sink := newChanSink()
	f.Options().Execute(sink)
	sink.wait(t)

	assert.Equal(t, "14.1", <-versions)

	f.ForceOldestProtocol()

	sink = newChanSink()
	f.Options().Execute(sink)
	sink.wait(t)

	assert.Equal(t, "12.1", <-versions)
}
