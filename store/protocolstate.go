package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Default tuning values for a freshly created account.
const (
	DefaultMaxPingFolders    = 200
	DefaultHeartbeatInterval = 600
)

// applyRetries bounds the optimistic concurrency loop in
// ApplyToState before giving up.
const applyRetries = 10

// Structs

// ProtocolState is the per-account protocol side of the database:
// which session state to resume in, where on the sync scope ladder
// the account stands, and the server-imposed limits learned so far.
// SyncLimit of zero means the server imposed no cap yet.
type ProtocolState struct {
	AccountID         int64
	ControlState      uint32
	Rung              int
	SyncLimit         int
	MaxPingFolders    int
	HeartbeatInterval int
	HasSyncedInbox    bool
	LastNarrowSync    time.Time
	LastPing          time.Time
	LastFolderSync    time.Time
	RateLimitedUntil  time.Time
	Version           int64
}

// Functions

func fmtTime(t time.Time) string {

	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {

	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

// EnsureProtocolState returns the protocol state row for the given
// account, creating it with defaults if missing.
func (s *Store) EnsureProtocolState(accountID int64) (*ProtocolState, error) {

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO protocol_state (account_id, max_ping_folders, heartbeat_interval) VALUES (?, ?, ?)`,
		accountID, DefaultMaxPingFolders, DefaultHeartbeatInterval,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert protocol state")
	}

	return s.ProtocolState(accountID)
}

// ProtocolState loads the protocol state row for the given account.
func (s *Store) ProtocolState(accountID int64) (*ProtocolState, error) {

	row := s.db.QueryRow(
		`SELECT account_id, control_state, rung, sync_limit, max_ping_folders, heartbeat_interval,
		        has_synced_inbox, last_narrow_sync, last_ping, last_folder_sync, rate_limited_until, version
		 FROM protocol_state WHERE account_id = ?`, accountID,
	)

	return scanProtocolState(row)
}

func scanProtocolState(row *sql.Row) (*ProtocolState, error) {

	var ps ProtocolState
	var narrow, ping, fsync, limited string

	err := row.Scan(
		&ps.AccountID, &ps.ControlState, &ps.Rung, &ps.SyncLimit, &ps.MaxPingFolders,
		&ps.HeartbeatInterval, &ps.HasSyncedInbox, &narrow, &ping, &fsync, &limited, &ps.Version,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan protocol state")
	}

	ps.LastNarrowSync = parseTime(narrow)
	ps.LastPing = parseTime(ping)
	ps.LastFolderSync = parseTime(fsync)
	ps.RateLimitedUntil = parseTime(limited)

	return &ps, nil
}

// ApplyToState runs mut against a fresh copy of the account's
// protocol state and writes it back under optimistic concurrency.
// When mut returns false nothing is written. A concurrent writer
// causes a reload and re-run of mut, so mut must be idempotent.
func (s *Store) ApplyToState(accountID int64, mut func(ps *ProtocolState) bool) (*ProtocolState, error) {

	for i := 0; i < applyRetries; i++ {

		ps, err := s.ProtocolState(accountID)
		if err != nil {
			return nil, err
		}

		if !mut(ps) {
			return ps, nil
		}

		res, err := s.db.Exec(
			`UPDATE protocol_state
			 SET control_state = ?, rung = ?, sync_limit = ?, max_ping_folders = ?, heartbeat_interval = ?,
			     has_synced_inbox = ?, last_narrow_sync = ?, last_ping = ?, last_folder_sync = ?,
			     rate_limited_until = ?, version = version + 1
			 WHERE account_id = ? AND version = ?`,
			ps.ControlState, ps.Rung, ps.SyncLimit, ps.MaxPingFolders, ps.HeartbeatInterval,
			ps.HasSyncedInbox, fmtTime(ps.LastNarrowSync), fmtTime(ps.LastPing), fmtTime(ps.LastFolderSync),
			fmtTime(ps.RateLimitedUntil), accountID, ps.Version,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to update protocol state")
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read rows affected")
		}

		if n == 1 {
			ps.Version++
			return ps, nil
		}

		// Lost the race against a concurrent writer, retry.
	}

	return nil, errors.Errorf("gave up updating protocol state of account %d after %d retries", accountID, applyRetries)
}
