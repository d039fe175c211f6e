package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SyncKeyInitial marks a folder cursor that never completed a first
// sync with the server.
const SyncKeyInitial = "0"

// FolderClass groups folders by the kind of items they hold.
type FolderClass int

const (
	ClassEmail FolderClass = iota
	ClassCal
	ClassContact
	// ClassOther covers folder kinds we track but never sync,
	// such as journals and notes.
	ClassOther
)

// Structs

// Folder is one server folder plus our sync cursor into it.
// Expected means the server told us (or scope policy decided) that
// this folder has changes we have not pulled yet.
type Folder struct {
	ID          int64
	AccountID   int64
	ServerID    string
	DisplayName string
	Class       FolderClass
	IsDefault   bool
	// IsRic marks the server-maintained recent contacts folder.
	IsRic       bool
	SyncKey     string
	Expected    bool
	Epoch       int
	AttemptRun  int
	LastAttempt time.Time
	LastPing    time.Time
	LastChange  time.Time
}

// Functions

const folderColumns = `id, account_id, server_id, display_name, class, is_default, is_ric,
	sync_key, expected, epoch, attempt_run, last_attempt, last_ping, last_change`

func scanFolder(rows *sql.Rows) (*Folder, error) {

	var f Folder
	var attempt, ping, change string

	err := rows.Scan(
		&f.ID, &f.AccountID, &f.ServerID, &f.DisplayName, &f.Class, &f.IsDefault, &f.IsRic,
		&f.SyncKey, &f.Expected, &f.Epoch, &f.AttemptRun, &attempt, &ping, &change,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan folder")
	}

	f.LastAttempt = parseTime(attempt)
	f.LastPing = parseTime(ping)
	f.LastChange = parseTime(change)

	return &f, nil
}

func (s *Store) queryFolders(query string, args ...interface{}) ([]*Folder, error) {

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query folders")
	}
	defer rows.Close()

	var out []*Folder

	for rows.Next() {

		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, f)
	}

	return out, errors.Wrap(rows.Err(), "failed to iterate folders")
}

// InsertFolder persists f with an initial sync cursor.
func (s *Store) InsertFolder(f *Folder) error {

	if f.SyncKey == "" {
		f.SyncKey = SyncKeyInitial
	}

	res, err := s.db.Exec(
		`INSERT INTO folder (account_id, server_id, display_name, class, is_default, is_ric, sync_key, expected)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.AccountID, f.ServerID, f.DisplayName, f.Class, f.IsDefault, f.IsRic, f.SyncKey, true,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert folder")
	}

	f.Expected = true
	f.ID, err = res.LastInsertId()

	return errors.Wrap(err, "failed to read folder id")
}

// DeleteFolder removes a folder the server no longer advertises.
func (s *Store) DeleteFolder(id int64) error {

	_, err := s.db.Exec(`DELETE FROM folder WHERE id = ?`, id)

	return errors.Wrap(err, "failed to delete folder")
}

// FolderByServerID loads one folder, nil if unknown.
func (s *Store) FolderByServerID(accountID int64, serverID string) (*Folder, error) {

	out, err := s.queryFolders(
		`SELECT `+folderColumns+` FROM folder WHERE account_id = ? AND server_id = ?`,
		accountID, serverID,
	)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out[0], nil
}

// SyncedFolders returns all folders of the classes we actually sync,
// in insertion order.
func (s *Store) SyncedFolders(accountID int64) ([]*Folder, error) {

	return s.queryFolders(
		`SELECT `+folderColumns+` FROM folder WHERE account_id = ? AND class IN (?, ?, ?) ORDER BY id`,
		accountID, ClassEmail, ClassCal, ClassContact,
	)
}

// DefaultFolder returns the default folder of the given class, nil
// if the account has none.
func (s *Store) DefaultFolder(accountID int64, class FolderClass) (*Folder, error) {

	out, err := s.queryFolders(
		`SELECT `+folderColumns+` FROM folder WHERE account_id = ? AND class = ? AND is_default = 1 ORDER BY id LIMIT 1`,
		accountID, class,
	)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out[0], nil
}

// RicFolder returns the recent contacts folder, nil if the server
// does not maintain one.
func (s *Store) RicFolder(accountID int64) (*Folder, error) {

	out, err := s.queryFolders(
		`SELECT `+folderColumns+` FROM folder WHERE account_id = ? AND is_ric = 1 LIMIT 1`,
		accountID,
	)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out[0], nil
}

// SetExpected flips the change-expected flag of one folder.
func (s *Store) SetExpected(id int64, expected bool) error {

	_, err := s.db.Exec(`UPDATE folder SET expected = ? WHERE id = ?`, expected, id)

	return errors.Wrap(err, "failed to set folder expected flag")
}

// SetExpectedAll flips the change-expected flag of every synced
// folder of an account. Used when the scope ladder advances and
// previously out-of-scope folders become interesting.
func (s *Store) SetExpectedAll(accountID int64, expected bool) error {

	_, err := s.db.Exec(
		`UPDATE folder SET expected = ? WHERE account_id = ? AND class IN (?, ?, ?)`,
		expected, accountID, ClassEmail, ClassCal, ClassContact,
	)

	return errors.Wrap(err, "failed to set expected flags")
}

// RecordSyncAttempt notes that a sync request covering the folder
// was issued, before the response arrives.
func (s *Store) RecordSyncAttempt(id int64, now time.Time) error {

	_, err := s.db.Exec(
		`UPDATE folder SET attempt_run = attempt_run + 1, last_attempt = ? WHERE id = ?`,
		fmtTime(now), id,
	)

	return errors.Wrap(err, "failed to record sync attempt")
}

// RecordSyncResult moves the folder cursor forward after a sync
// response. moreAvailable keeps the folder expected so the picker
// comes back for the rest; hadChanges resets the attempt run.
func (s *Store) RecordSyncResult(id int64, syncKey string, moreAvailable bool, hadChanges bool, now time.Time) error {

	if hadChanges {

		_, err := s.db.Exec(
			`UPDATE folder SET sync_key = ?, expected = ?, attempt_run = 0, last_change = ? WHERE id = ?`,
			syncKey, moreAvailable, fmtTime(now), id,
		)

		return errors.Wrap(err, "failed to record sync result")
	}

	_, err := s.db.Exec(
		`UPDATE folder SET sync_key = ?, expected = ? WHERE id = ?`,
		syncKey, moreAvailable, id,
	)

	return errors.Wrap(err, "failed to record sync result")
}

// ResetSyncKey throws the folder cursor away, forcing a from-scratch
// sync. Epoch goes up so late responses against the old cursor can
// be told apart.
func (s *Store) ResetSyncKey(id int64) error {

	_, err := s.db.Exec(
		`UPDATE folder SET sync_key = ?, expected = 1, epoch = epoch + 1, attempt_run = 0 WHERE id = ?`,
		SyncKeyInitial, id,
	)

	return errors.Wrap(err, "failed to reset sync key")
}

// MarkPinged stamps the last-ping time on the given folders.
func (s *Store) MarkPinged(ids []int64, now time.Time) error {

	return s.withTx(func(tx *sql.Tx) error {

		for _, id := range ids {

			if _, err := tx.Exec(`UPDATE folder SET last_ping = ? WHERE id = ?`, fmtTime(now), id); err != nil {
				return errors.Wrap(err, "failed to mark folder pinged")
			}
		}

		return nil
	})
}

// ScrubStale re-flags folders whose cursor looks wedged: synced
// folders no longer expected whose last attempt lies before the
// given cutoff. Returns how many folders were re-flagged.
func (s *Store) ScrubStale(accountID int64, before time.Time) (int64, error) {

	res, err := s.db.Exec(
		`UPDATE folder SET expected = 1
		 WHERE account_id = ? AND expected = 0 AND sync_key != ? AND last_attempt != '' AND last_attempt < ?`,
		accountID, SyncKeyInitial, fmtTime(before),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to scrub stale folders")
	}

	n, err := res.RowsAffected()

	return n, errors.Wrap(err, "failed to read rows affected")
}

// FolderFingerprint summarizes the folder table of an account. Two
// equal fingerprints mean no folder change happened in between.
func (s *Store) FolderFingerprint(accountID int64) (string, error) {

	row := s.db.QueryRow(
		`SELECT COUNT(*) || ':' || COALESCE(MAX(id), 0) || ':' || COALESCE(MAX(last_change), '') FROM folder WHERE account_id = ?`,
		accountID,
	)

	var fp string
	if err := row.Scan(&fp); err != nil {
		return "", errors.Wrap(err, "failed to fingerprint folder table")
	}

	return fp, nil
}

// Fetch hints: items the UI or heuristics flagged as likely to be
// opened soon, so idle bandwidth can prefetch their bodies.

// FetchHint is one such flagged item.
type FetchHint struct {
	ID             int64
	AccountID      int64
	FolderServerID string
	ItemServerID   string
}

// InsertFetchHint records a prefetch candidate. Duplicate hints for
// the same item collapse silently.
func (s *Store) InsertFetchHint(h *FetchHint) error {

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO fetch_hint (account_id, folder_server_id, item_server_id) VALUES (?, ?, ?)`,
		h.AccountID, h.FolderServerID, h.ItemServerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert fetch hint")
	}

	h.ID, err = res.LastInsertId()

	return errors.Wrap(err, "failed to read fetch hint id")
}

// QueryFetchHints returns up to n prefetch candidates, oldest first.
func (s *Store) QueryFetchHints(accountID int64, n int) ([]*FetchHint, error) {

	rows, err := s.db.Query(
		`SELECT id, account_id, folder_server_id, item_server_id FROM fetch_hint WHERE account_id = ? ORDER BY id LIMIT ?`,
		accountID, n,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query fetch hints")
	}
	defer rows.Close()

	var out []*FetchHint

	for rows.Next() {

		var h FetchHint
		if err := rows.Scan(&h.ID, &h.AccountID, &h.FolderServerID, &h.ItemServerID); err != nil {
			return nil, errors.Wrap(err, "failed to scan fetch hint")
		}

		out = append(out, &h)
	}

	return out, errors.Wrap(rows.Err(), "failed to iterate fetch hints")
}

// DeleteFetchHint drops a consumed or stale hint.
func (s *Store) DeleteFetchHint(id int64) error {

	_, err := s.db.Exec(`DELETE FROM fetch_hint WHERE id = ?`, id)

	return errors.Wrap(err, "failed to delete fetch hint")
}
