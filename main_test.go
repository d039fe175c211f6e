package main

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelmail/keel/config"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/store"
)

// Functions

func TestInitLogger(t *testing.T) {

	for _, loglevel := range []string{"debug", "info", "warn", "error", "bogus"} {

		logger := initLogger(loglevel)
		require.NotNil(t, logger)

		assert.NoError(t, logger.Log("msg", "logger smoke test", "level_flag", loglevel))
	}
}

func TestEnvCreds(t *testing.T) {

	creds := &envCreds{
		usernames: map[int64]string{1: "user@example.com"},
		passwords: map[int64]string{1: "secret"},
	}

	got, err := creds.Credentials(1)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Username)
	assert.Equal(t, "secret", got.Password)

	// Unknown accounts resolve to empty credentials rather than
	// erroring, the gateway will reject them with a 401.
	got, err = creds.Credentials(99)
	require.NoError(t, err)
	assert.Empty(t, got.Username)
}

// TestInitSessionKeepsLearnedSyncLimit checks that a sync limit the
// server imposed earlier survives a restart with a configured cap.
func TestInitSessionKeepsLearnedSyncLimit(t *testing.T) {

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	const accountID int64 = 7

	_, err = st.EnsureProtocolState(accountID)
	require.NoError(t, err)

	_, err = st.ApplyToState(accountID, func(ps *store.ProtocolState) bool {
		ps.SyncLimit = 10
		return true
	})
	require.NoError(t, err)

	acc := config.Account{
		ID:        accountID,
		Server:    "mail.example.com",
		BaseURL:   "https://mail.example.com",
		Username:  "user",
		SyncLimit: 25,
	}

	creds := &envCreds{
		usernames: map[int64]string{accountID: "user"},
		passwords: map[int64]string{accountID: "secret"},
	}

	_, err = initSession(log.NewNopLogger(), &config.Config{}, "work", acc, st, netstatus.NewMonitor(), creds, NewKeelMetrics(""))
	require.NoError(t, err)

	ps, err := st.ProtocolState(accountID)
	require.NoError(t, err)
	assert.Equal(t, 10, ps.SyncLimit)
}
