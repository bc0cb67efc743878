// Package wuaccess implements the six work-unit business operations of
// spec §4.1 as single committed transactions, enforcing the transition
// guard (internal/wustatus) before every mutation. It is the typed,
// bug-fixed successor to the original wudb.py's WuAccess class (spec §9):
// the verification() column-name bug is fixed (the literal "time_verified"
// is used, not a list-as-key), and Mapper.update's undefined wp/sub.keys
// references don't exist here because Go requires every identifier to
// resolve at compile time.
package wuaccess

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wudispatch/internal/dbrecord"
	"wudispatch/internal/mapper"
	"wudispatch/internal/wu"
	"wudispatch/internal/wustatus"
)

// ErrDuplicateWUID is returned by Create when wu_text parses to a wuid that
// already exists, per spec §4.1 ("fails if duplicate wuid").
var ErrDuplicateWUID = errors.New("wuaccess: duplicate wuid")

// ErrNotFound is returned when an operation names a wuid that doesn't
// exist.
var ErrNotFound = errors.New("wuaccess: wu not found")

// maxAssignRetries bounds the compare-and-set retry loop in Assign: after
// this many lost races, Assign gives up and reports no work available,
// per spec §4.1 ("after a bounded number of misses, return none").
const maxAssignRetries = 5

// WuAccess executes the six business operations against one *sql.DB
// connection. Per spec §5 it must be driven by a single goroutine at a
// time; internal/gateway supplies that guarantee for concurrent callers.
type WuAccess struct {
	db    *sql.DB
	debug bool
}

func New(db *sql.DB, debug bool) *WuAccess {
	return &WuAccess{db: db, debug: debug}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Create parses wu_text to extract the wuid and inserts a new AVAILABLE
// row. priority defaults to 0 when nil.
func (a *WuAccess) Create(ctx context.Context, wuText string, priority *int64) (string, error) {
	doc, err := wu.Parse(wuText)
	if err != nil {
		return "", fmt.Errorf("wuaccess: create: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	existing, err := mapper.Where(ctx, tx, []dbrecord.Condition{dbrecord.Eq("wuid", doc.ID())}, 1, nil)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", ErrDuplicateWUID
	}

	prio := int64(0)
	if priority != nil {
		prio = *priority
	}

	record := dbrecord.WorkUnit{
		WUID:        doc.ID(),
		Status:      wustatus.Available,
		WUText:      wuText,
		TimeCreated: now(),
		Priority:    prio,
	}
	if err := mapper.InsertWorkUnit(ctx, tx, &record); err != nil {
		return "", err
	}
	return doc.ID(), tx.Commit()
}

// Assign selects one AVAILABLE work-unit with the highest priority (ties
// broken by row_id ascending, per spec §4.1) and atomically transitions it
// to ASSIGNED. Returns ("", nil) if no work is available.
func (a *WuAccess) Assign(ctx context.Context, clientID string) (string, error) {
	for attempt := 0; attempt < maxAssignRetries; attempt++ {
		wuText, hadCandidate, err := a.tryAssign(ctx, clientID)
		if err != nil {
			return "", err
		}
		if wuText != "" {
			return wuText, nil
		}
		if !hadCandidate {
			// Nothing is AVAILABLE; no amount of retrying will help.
			return "", nil
		}
		// A candidate existed but another worker won the race for it;
		// retry against whatever is now the highest-priority AVAILABLE row.
	}
	return "", nil
}

// tryAssign runs one compare-and-set attempt: read the highest-priority
// AVAILABLE row, then UPDATE ... WHERE status=AVAILABLE AND row_id=?,
// checking the affected-row count to detect a lost race (spec §4.1).
// hadCandidate reports whether an AVAILABLE row existed to race for.
func (a *WuAccess) tryAssign(ctx context.Context, clientID string) (wuText string, hadCandidate bool, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	candidates, err := mapper.Where(ctx, tx,
		[]dbrecord.Condition{dbrecord.Eq("status", int(wustatus.Available))},
		1, &dbrecord.Order{Column: "priority", Desc: true})
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, tx.Commit()
	}
	candidate := candidates[0]

	if a.debug {
		if err := checkInvariants(&candidate); err != nil {
			return "", true, fmt.Errorf("wuaccess: assign: %w", err)
		}
	}

	affected, err := mapper.UpdateWorkUnit(ctx, tx,
		map[string]any{
			"status":          int(wustatus.Assigned),
			"assigned_client": clientID,
			"time_assigned":   now(),
		},
		[]dbrecord.Condition{
			dbrecord.Eq("row_id", candidate.RowID),
			dbrecord.Eq("status", int(wustatus.Available)),
		})
	if err != nil {
		return "", true, err
	}
	if affected == 0 {
		// Another worker assigned this row between our read and our
		// write; the caller retries.
		return "", true, tx.Commit()
	}
	return candidate.WUText, true, tx.Commit()
}

// ResultFileInput names one result file the client is uploading.
type ResultFileInput struct {
	Filename string
	Path     string
}

// Result attaches the uploaded result files and transitions ASSIGNED ->
// RECEIVED_OK (errorCode == 0) or RECEIVED_ERROR (errorCode != 0), in one
// transaction, per spec §4.1.
func (a *WuAccess) Result(ctx context.Context, wuid, clientID string, files []ResultFileInput, errorCode *int, failedCommand *int) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	record, err := getByWUID(ctx, tx, wuid)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}
	if err := wustatus.Check(wuid, record.Status, wustatus.Assigned); err != nil {
		return err
	}
	if a.debug {
		if err := checkInvariants(record); err != nil {
			return fmt.Errorf("wuaccess: result: %w", err)
		}
	}

	ec := 0
	if errorCode != nil {
		ec = *errorCode
	}
	newStatus := wustatus.ResultStatus(ec)

	sets := map[string]any{
		"status":        int(newStatus),
		"result_client": clientID,
		"time_result":   now(),
	}
	if errorCode != nil {
		sets["error_code"] = *errorCode
	}
	if failedCommand != nil {
		sets["failed_command"] = *failedCommand
	}

	if _, err := mapper.UpdateWorkUnit(ctx, tx, sets, []dbrecord.Condition{dbrecord.Eq("row_id", record.RowID)}); err != nil {
		return err
	}

	childRows := make([]dbrecord.ResultFile, len(files))
	for i, f := range files {
		childRows[i] = dbrecord.ResultFile{Filename: f.Filename, Path: f.Path}
	}
	if err := mapper.InsertFiles(ctx, tx, record.RowID, childRows); err != nil {
		return err
	}

	return tx.Commit()
}

// Verify transitions RECEIVED_OK -> VERIFIED_OK or VERIFIED_ERROR according
// to the externally-supplied verdict ok, per spec §4.1.
func (a *WuAccess) Verify(ctx context.Context, wuid string, ok bool) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	record, err := getByWUID(ctx, tx, wuid)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}
	if err := wustatus.Check(wuid, record.Status, wustatus.ReceivedOK); err != nil {
		return err
	}
	if a.debug {
		if err := checkInvariants(record); err != nil {
			return fmt.Errorf("wuaccess: verify: %w", err)
		}
	}

	newStatus := wustatus.VerifyStatus(ok)
	sets := map[string]any{
		"status":        int(newStatus),
		"time_verified": now(),
	}
	_, err = mapper.UpdateWorkUnit(ctx, tx, sets, []dbrecord.Condition{dbrecord.Eq("row_id", record.RowID)})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel is a no-op on terminal rows and transitions any non-terminal row
// to CANCELLED in one commit, per spec §4.1/§8 property 6.
func (a *WuAccess) Cancel(ctx context.Context, wuid string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	record, err := getByWUID(ctx, tx, wuid)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}
	if wustatus.Terminal(record.Status) {
		return tx.Commit()
	}

	_, err = mapper.UpdateWorkUnit(ctx, tx,
		map[string]any{"status": int(wustatus.Cancelled)},
		[]dbrecord.Condition{dbrecord.Eq("row_id", record.RowID)})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Query is a read-only join of WorkUnit with its ResultFiles.
func (a *WuAccess) Query(ctx context.Context, conditions []dbrecord.Condition, limit int, order *dbrecord.Order) ([]dbrecord.WorkUnit, error) {
	return mapper.Where(ctx, a.db, conditions, limit, order)
}

func getByWUID(ctx context.Context, q mapper.Queryer, wuid string) (*dbrecord.WorkUnit, error) {
	rows, err := mapper.Where(ctx, q, []dbrecord.Condition{dbrecord.Eq("wuid", wuid)}, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// checkInvariants asserts the §3 invariants for a row's current status.
// In debug mode, Assign, Result and Verify run it on the row they are about
// to change; Create, Cancel and Query do not run it on the rows they read.
func checkInvariants(wuRow *dbrecord.WorkUnit) error {
	if !wustatus.Valid(wuRow.Status) {
		return fmt.Errorf("integrity violation: wu %q has invalid status %d", wuRow.WUID, wuRow.Status)
	}
	switch wuRow.Status {
	case wustatus.Available:
		if wuRow.TimeAssigned != "" || wuRow.AssignedClient != "" || wuRow.TimeResult != "" ||
			wuRow.ResultClient != "" || wuRow.ErrorCode != nil {
			return fmt.Errorf("integrity violation: wu %q is AVAILABLE but has assignment/result fields set", wuRow.WUID)
		}
	case wustatus.Assigned:
		if wuRow.TimeAssigned == "" || wuRow.AssignedClient == "" {
			return fmt.Errorf("integrity violation: wu %q is ASSIGNED but missing assignment fields", wuRow.WUID)
		}
		if wuRow.TimeResult != "" || wuRow.ResultClient != "" {
			return fmt.Errorf("integrity violation: wu %q is ASSIGNED but has result fields set", wuRow.WUID)
		}
	case wustatus.ReceivedOK:
		if wuRow.ErrorCode == nil || *wuRow.ErrorCode != 0 {
			return fmt.Errorf("integrity violation: wu %q is RECEIVED_OK but error_code != 0", wuRow.WUID)
		}
	case wustatus.ReceivedError:
		if wuRow.ErrorCode == nil || *wuRow.ErrorCode == 0 {
			return fmt.Errorf("integrity violation: wu %q is RECEIVED_ERROR but error_code == 0", wuRow.WUID)
		}
	case wustatus.VerifiedOK, wustatus.VerifiedError:
		if wuRow.TimeVerified == "" {
			return fmt.Errorf("integrity violation: wu %q is VERIFIED_* but time_verified unset", wuRow.WUID)
		}
	}
	return nil
}
