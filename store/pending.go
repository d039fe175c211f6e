package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// PendingState is the lifecycle state of one queued operation.
type PendingState int

const (
	// PendingEligible operations may be dispatched by the picker.
	PendingEligible PendingState = iota
	// PendingDispatched operations are on the wire right now.
	PendingDispatched
	// PendingDeferred operations failed transiently and wait for
	// the next restore pass.
	PendingDeferred
	// PendingUserBlocked operations need user input (for example
	// fresh credentials) before they can run.
	PendingUserBlocked
	// PendingPredBlocked operations wait on a predecessor.
	PendingPredBlocked
	// PendingFailed operations are terminally failed and kept for
	// inspection only.
	PendingFailed
)

// Operation identifies what a pending row asks the server to do.
type Operation int

const (
	OpEmailSend Operation = iota
	OpEmailForward
	OpEmailReply
	OpMeetingResponse
	OpSearch
	OpAttachmentDownload
	OpEmailBodyDownload
	OpCalBodyDownload
	OpContactBodyDownload
	OpEmailDelete
	OpEmailMove
	OpEmailMarkRead
	OpCalCreate
	OpCalUpdate
	OpCalDelete
	OpContactCreate
	OpContactUpdate
	OpContactDelete
	OpFolderCreate
	OpFolderUpdate
	OpFolderDelete
)

// IsSendLike reports whether op belongs to the outbound mail family
// that users expect to leave the device promptly.
func (op Operation) IsSendLike() bool {

	switch op {
	case OpEmailSend, OpEmailForward, OpEmailReply, OpMeetingResponse:
		return true
	}

	return false
}

// IsFetchLike reports whether op downloads item content.
func (op Operation) IsFetchLike() bool {

	switch op {
	case OpAttachmentDownload, OpEmailBodyDownload, OpCalBodyDownload, OpContactBodyDownload:
		return true
	}

	return false
}

// IsSyncAffecting reports whether op rides inside a folder sync
// request instead of being issued as its own command.
func (op Operation) IsSyncAffecting() bool {

	switch op {
	case OpEmailDelete, OpEmailMarkRead, OpEmailMove,
		OpCalCreate, OpCalUpdate, OpCalDelete,
		OpContactCreate, OpContactUpdate, OpContactDelete:
		return true
	}

	return false
}

// Structs

// Pending is one queued local change or request awaiting delivery to
// the server. Token is the caller-facing handle for status lookups.
type Pending struct {
	ID              int64
	AccountID       int64
	Token           string
	Operation       Operation
	State           PendingState
	FolderServerID  string
	ItemServerID    string
	DelayNotAllowed bool
	SerialOnly      bool
	DeferCount      int
	DispatchedAt    time.Time
}

// Functions

const pendingColumns = `id, account_id, token, operation, state, folder_server_id,
	item_server_id, delay_not_allowed, serial_only, defer_count, dispatched_at`

func scanPending(rows *sql.Rows) (*Pending, error) {

	var p Pending
	var dispatched string

	err := rows.Scan(
		&p.ID, &p.AccountID, &p.Token, &p.Operation, &p.State, &p.FolderServerID,
		&p.ItemServerID, &p.DelayNotAllowed, &p.SerialOnly, &p.DeferCount, &dispatched,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pending")
	}

	p.DispatchedAt = parseTime(dispatched)

	return &p, nil
}

func (s *Store) queryPendings(query string, args ...interface{}) ([]*Pending, error) {

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pendings")
	}
	defer rows.Close()

	var out []*Pending

	for rows.Next() {

		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, errors.Wrap(rows.Err(), "failed to iterate pendings")
}

// InsertPending persists p as Eligible and assigns it a fresh token
// if the caller supplied none.
func (s *Store) InsertPending(p *Pending) error {

	if p.Token == "" {
		p.Token = uuid.NewV4().String()
	}

	p.State = PendingEligible

	res, err := s.db.Exec(
		`INSERT INTO pending (account_id, token, operation, state, folder_server_id, item_server_id, delay_not_allowed, serial_only)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AccountID, p.Token, p.Operation, p.State, p.FolderServerID, p.ItemServerID, p.DelayNotAllowed, p.SerialOnly,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert pending")
	}

	p.ID, err = res.LastInsertId()

	return errors.Wrap(err, "failed to read pending id")
}

// LinkPredecessor records that succ must not run before pred has
// resolved successfully, and blocks succ.
func (s *Store) LinkPredecessor(predID, succID int64) error {

	return s.withTx(func(tx *sql.Tx) error {

		if _, err := tx.Exec(`INSERT INTO pend_dep (pred_id, succ_id) VALUES (?, ?)`, predID, succID); err != nil {
			return errors.Wrap(err, "failed to insert dependency")
		}

		_, err := tx.Exec(`UPDATE pending SET state = ? WHERE id = ?`, PendingPredBlocked, succID)

		return errors.Wrap(err, "failed to block successor")
	})
}

// PendingByToken looks one pending up by its caller-facing token.
func (s *Store) PendingByToken(token string) (*Pending, error) {

	out, err := s.queryPendings(
		`SELECT `+pendingColumns+` FROM pending WHERE token = ?`, token,
	)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out[0], nil
}

// QueryEligible returns all dispatchable pendings of an account,
// oldest first.
func (s *Store) QueryEligible(accountID int64) ([]*Pending, error) {

	return s.queryPendings(
		`SELECT `+pendingColumns+` FROM pending WHERE account_id = ? AND state = ? ORDER BY id`,
		accountID, PendingEligible,
	)
}

// QueryEligibleByFolder returns the dispatchable pendings bound to
// one folder, oldest first. Used when building sync requests.
func (s *Store) QueryEligibleByFolder(accountID int64, folderServerID string) ([]*Pending, error) {

	return s.queryPendings(
		`SELECT `+pendingColumns+` FROM pending WHERE account_id = ? AND state = ? AND folder_server_id = ? ORDER BY id`,
		accountID, PendingEligible, folderServerID,
	)
}

// QueryFirstNEligibleByOperation returns up to n dispatchable
// pendings of one operation kind, oldest first.
func (s *Store) QueryFirstNEligibleByOperation(accountID int64, op Operation, n int) ([]*Pending, error) {

	return s.queryPendings(
		`SELECT `+pendingColumns+` FROM pending WHERE account_id = ? AND state = ? AND operation = ? ORDER BY id LIMIT ?`,
		accountID, PendingEligible, op, n,
	)
}

// MarkDispatched flips an eligible pending to Dispatched and stamps
// the dispatch time.
func (s *Store) MarkDispatched(id int64, now time.Time) error {

	res, err := s.db.Exec(
		`UPDATE pending SET state = ?, dispatched_at = ? WHERE id = ? AND state = ?`,
		PendingDispatched, fmtTime(now), id, PendingEligible,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark pending dispatched")
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("pending %d was not eligible", id)
	}

	return nil
}

// MarkSerialOnly flags the given pendings so the picker dispatches
// them one at a time.
func (s *Store) MarkSerialOnly(ids []int64) error {

	return s.withTx(func(tx *sql.Tx) error {

		for _, id := range ids {

			if _, err := tx.Exec(`UPDATE pending SET serial_only = 1 WHERE id = ?`, id); err != nil {
				return errors.Wrap(err, "failed to mark pending serial-only")
			}
		}

		return nil
	})
}

// ResolveAsSuccess removes the resolved pending and promotes any
// successors whose predecessors have now all resolved.
func (s *Store) ResolveAsSuccess(id int64) error {

	return s.withTx(func(tx *sql.Tx) error {

		rows, err := tx.Query(`SELECT succ_id FROM pend_dep WHERE pred_id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to query successors")
		}

		var succs []int64

		for rows.Next() {

			var succ int64
			if err := rows.Scan(&succ); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan successor")
			}

			succs = append(succs, succ)
		}
		rows.Close()

		if _, err := tx.Exec(`DELETE FROM pend_dep WHERE pred_id = ?`, id); err != nil {
			return errors.Wrap(err, "failed to drop dependencies")
		}

		if _, err := tx.Exec(`DELETE FROM pending WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "failed to delete pending")
		}

		for _, succ := range succs {

			var remaining int

			row := tx.QueryRow(`SELECT COUNT(*) FROM pend_dep WHERE succ_id = ?`, succ)
			if err := row.Scan(&remaining); err != nil {
				return errors.Wrap(err, "failed to count remaining predecessors")
			}

			if remaining > 0 {
				continue
			}

			_, err := tx.Exec(`UPDATE pending SET state = ? WHERE id = ? AND state = ?`,
				PendingEligible, succ, PendingPredBlocked)
			if err != nil {
				return errors.Wrap(err, "failed to unblock successor")
			}
		}

		return nil
	})
}

// ResolveAsFailed terminally fails the pending and cascades the
// failure to all transitive successors, which can never run now.
func (s *Store) ResolveAsFailed(id int64) error {

	return s.withTx(func(tx *sql.Tx) error {
		return failWithSuccessors(tx, id)
	})
}

func failWithSuccessors(tx *sql.Tx, id int64) error {

	if _, err := tx.Exec(`UPDATE pending SET state = ? WHERE id = ?`, PendingFailed, id); err != nil {
		return errors.Wrap(err, "failed to fail pending")
	}

	rows, err := tx.Query(`SELECT succ_id FROM pend_dep WHERE pred_id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to query successors")
	}

	var succs []int64

	for rows.Next() {

		var succ int64
		if err := rows.Scan(&succ); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan successor")
		}

		succs = append(succs, succ)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM pend_dep WHERE pred_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to drop dependencies")
	}

	for _, succ := range succs {

		if err := failWithSuccessors(tx, succ); err != nil {
			return err
		}
	}

	return nil
}

// ResolveAsDeferred sends a transiently failed pending back to the
// queue. It becomes eligible again on the next RestoreDeferred pass.
func (s *Store) ResolveAsDeferred(id int64) error {

	_, err := s.db.Exec(
		`UPDATE pending SET state = ?, defer_count = defer_count + 1 WHERE id = ?`,
		PendingDeferred, id,
	)

	return errors.Wrap(err, "failed to defer pending")
}

// ResolveAsUserBlocked parks a pending until the user supplies
// whatever it is missing.
func (s *Store) ResolveAsUserBlocked(id int64) error {

	_, err := s.db.Exec(`UPDATE pending SET state = ? WHERE id = ?`, PendingUserBlocked, id)

	return errors.Wrap(err, "failed to user-block pending")
}

// RestoreUserBlocked makes all user-blocked pendings of an account
// eligible again. Called once the user has supplied what they were
// waiting on.
func (s *Store) RestoreUserBlocked(accountID int64) (int64, error) {

	res, err := s.db.Exec(
		`UPDATE pending SET state = ? WHERE account_id = ? AND state = ?`,
		PendingEligible, accountID, PendingUserBlocked,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to restore user-blocked pendings")
	}

	n, err := res.RowsAffected()

	return n, errors.Wrap(err, "failed to read rows affected")
}

// RestoreDeferred makes all deferred pendings of an account eligible
// again. Called by the picker at the top of each pass.
func (s *Store) RestoreDeferred(accountID int64) (int64, error) {

	res, err := s.db.Exec(
		`UPDATE pending SET state = ? WHERE account_id = ? AND state = ?`,
		PendingEligible, accountID, PendingDeferred,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to restore deferred pendings")
	}

	n, err := res.RowsAffected()

	return n, errors.Wrap(err, "failed to read rows affected")
}

// RestoreDispatched sends all dispatched pendings of an account back
// to eligible. Called when a session starts driving, so work cut off
// by a crash or park is retried.
func (s *Store) RestoreDispatched(accountID int64) (int64, error) {

	res, err := s.db.Exec(
		`UPDATE pending SET state = ? WHERE account_id = ? AND state = ?`,
		PendingEligible, accountID, PendingDispatched,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to restore dispatched pendings")
	}

	n, err := res.RowsAffected()

	return n, errors.Wrap(err, "failed to read rows affected")
}

// ResolveAllDelayNotAllowedAsFailed terminally fails every live
// pending flagged DelayNotAllowed. Called when the session parks or
// blocks on user input, because such work must not fire later behind
// the user's back.
func (s *Store) ResolveAllDelayNotAllowedAsFailed(accountID int64) (int64, error) {

	var failed int64

	err := s.withTx(func(tx *sql.Tx) error {

		rows, err := tx.Query(
			`SELECT id FROM pending WHERE account_id = ? AND delay_not_allowed = 1 AND state IN (?, ?, ?)`,
			accountID, PendingEligible, PendingDispatched, PendingDeferred,
		)
		if err != nil {
			return errors.Wrap(err, "failed to query delay-not-allowed pendings")
		}

		var ids []int64

		for rows.Next() {

			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan pending id")
			}

			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {

			if err := failWithSuccessors(tx, id); err != nil {
				return err
			}
		}

		failed = int64(len(ids))

		return nil
	})

	return failed, err
}
