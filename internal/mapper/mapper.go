// Package mapper translates between the typed WorkUnit/ResultFile records
// of internal/dbrecord and a two-table relational schema, over an embedded
// SQL engine (sqlite3), per spec §4.2.
//
// This is the Go-native replacement for the original's dynamic MyCursor /
// DbTable / Mapper classes (spec §9): rather than threading dictionaries
// and kwargs-as-operators through generic code, the mapper is specialized
// to exactly one parent (workunits) and one child (files) table, one FK
// deep, which spec §9 explicitly calls out as a non-goal to generalize
// beyond.
package mapper

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"wudispatch/internal/dbrecord"
	"wudispatch/internal/wustatus"
)

const (
	TableWorkUnits = "workunits"
	TableFiles     = "files"
)

// Open opens (or creates) the sqlite database at path with the pragmas the
// teacher's own compaction/WAL code cares about: write-ahead logging for
// concurrent readers, and foreign key enforcement, both enabled per
// connection as spec §4.2 requires ("Enables foreign-key enforcement on
// the connection. Enables write-ahead-log journaling").
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Mapper owns the DDL and CRUD translation for one *sql.DB connection. Per
// spec §5 ("per-connection single-threaded affinity"), a Mapper is meant to
// be used by exactly one goroutine at a time; internal/gateway is what
// provides that guarantee to the rest of the program.
type Mapper struct {
	db *sql.DB
}

func New(db *sql.DB) *Mapper {
	return &Mapper{db: db}
}

// Create issues idempotent DDL for both tables plus the indexes described
// in spec §4.2 and §6: a unique index on wuid, a secondary index on
// status, and an index on filename.
func (m *Mapper) Create(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableWorkUnits + ` (
			row_id INTEGER PRIMARY KEY ASC,
			wuid TEXT UNIQUE NOT NULL,
			status INTEGER NOT NULL,
			wu_text TEXT NOT NULL,
			time_created TEXT,
			time_assigned TEXT,
			assigned_client TEXT,
			time_result TEXT,
			result_client TEXT,
			error_code INTEGER,
			failed_command INTEGER,
			time_verified TEXT,
			retry_of TEXT,
			priority INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS wuid_index ON ` + TableWorkUnits + ` (wuid)`,
		`CREATE INDEX IF NOT EXISTS status_index ON ` + TableWorkUnits + ` (status)`,
		`CREATE TABLE IF NOT EXISTS ` + TableFiles + ` (
			row_id INTEGER PRIMARY KEY ASC,
			parent_row_id INTEGER NOT NULL REFERENCES ` + TableWorkUnits + ` (row_id),
			filename TEXT NOT NULL,
			path TEXT UNIQUE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS filename_index ON ` + TableFiles + ` (filename)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mapper: create: %w", err)
		}
	}
	return nil
}

// InsertWorkUnit inserts the parent row and then, if any are attached, the
// child file rows in the same transaction -- atomic result ingestion per
// spec §1/§4.1. wu.RowID is populated on return.
func InsertWorkUnit(ctx context.Context, tx *sql.Tx, wu *dbrecord.WorkUnit) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO `+TableWorkUnits+`
			(wuid, status, wu_text, time_created, time_assigned, assigned_client,
			 time_result, result_client, error_code, failed_command, time_verified,
			 retry_of, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wu.WUID, int(wu.Status), wu.WUText, nullStr(wu.TimeCreated), nullStr(wu.TimeAssigned),
		nullStr(wu.AssignedClient), nullStr(wu.TimeResult), nullStr(wu.ResultClient),
		nullInt(wu.ErrorCode), nullInt(wu.FailedCommand), nullStr(wu.TimeVerified),
		nullStr(wu.RetryOf), wu.Priority)
	if err != nil {
		return fmt.Errorf("mapper: insert workunit: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("mapper: insert workunit: last insert id: %w", err)
	}
	wu.RowID = rowID

	return InsertFiles(ctx, tx, rowID, wu.Files)
}

// InsertFiles appends child rows with parent_row_id populated from the
// freshly assigned parent surrogate key.
func InsertFiles(ctx context.Context, tx *sql.Tx, parentRowID int64, files []dbrecord.ResultFile) error {
	for i := range files {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO `+TableFiles+` (parent_row_id, filename, path) VALUES (?, ?, ?)`,
			parentRowID, files[i].Filename, files[i].Path)
		if err != nil {
			return fmt.Errorf("mapper: insert file: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mapper: insert file: last insert id: %w", err)
		}
		files[i].RowID = rowID
		files[i].ParentRowID = parentRowID
	}
	return nil
}

// UpdateWorkUnit applies sets (column -> value) to rows of workunits
// matching conditions (AND-joined), and returns the number of rows
// affected. A caller doing a compare-and-set assignment checks this count
// to detect a lost race (spec §4.1).
func UpdateWorkUnit(ctx context.Context, tx *sql.Tx, sets map[string]any, conditions []dbrecord.Condition) (int64, error) {
	if len(sets) == 0 {
		return 0, fmt.Errorf("mapper: update: no fields to set")
	}
	setCols := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets)+len(conditions))
	for col, val := range sets {
		setCols = append(setCols, col+" = ?")
		args = append(args, val)
	}
	where, whereArgs := buildWhere(conditions)
	args = append(args, whereArgs...)

	query := "UPDATE " + TableWorkUnits + " SET " + strings.Join(setCols, ", ") + where
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mapper: update: %w", err)
	}
	return res.RowsAffected()
}

// buildWhere composes an AND-joined WHERE clause (including the leading
// " WHERE", or "" if there are no conditions) from the tagged condition
// list, the typed replacement for the original's where_str(**kwargs).
func buildWhere(conditions []dbrecord.Condition) (string, []any) {
	if len(conditions) == 0 {
		return "", nil
	}
	parts := make([]string, len(conditions))
	args := make([]any, len(conditions))
	for i, c := range conditions {
		parts[i] = c.Column + " " + c.Op.SQL() + " ?"
		args[i] = c.Value
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// Where runs the LEFT JOIN query of spec §4.2 and collapses successive
// rows sharing a parent key back into one WorkUnit record with its Files
// populated. The result set must be ordered by row_id (or an equivalent
// stable key) for the collapse to be correct; Where enforces that by
// always appending row_id as a final, stable sort key.
func Where(ctx context.Context, q Queryer, conditions []dbrecord.Condition, limit int, order *dbrecord.Order) ([]dbrecord.WorkUnit, error) {
	where, args := buildWhere(conditions)

	orderBy := "ORDER BY "
	if order != nil {
		dir := "ASC"
		if order.Desc {
			dir = "DESC"
		}
		orderBy += "w." + order.Column + " " + dir + ", "
	}
	orderBy += "w.row_id ASC"

	query := `
		SELECT w.row_id, w.wuid, w.status, w.wu_text, w.time_created, w.time_assigned,
		       w.assigned_client, w.time_result, w.result_client, w.error_code,
		       w.failed_command, w.time_verified, w.retry_of, w.priority,
		       f.row_id, f.filename, f.path
		FROM ` + TableWorkUnits + ` w
		LEFT JOIN ` + TableFiles + ` f ON f.parent_row_id = w.row_id
		` + where + `
		` + orderBy

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mapper: where: %w", err)
	}
	defer rows.Close()

	var out []dbrecord.WorkUnit
	for rows.Next() {
		var (
			wu                                    dbrecord.WorkUnit
			status                                int
			timeCreated, timeAssigned, assignedBy sql.NullString
			timeResult, resultClient              sql.NullString
			errorCode, failedCommand              sql.NullInt64
			timeVerified, retryOf                  sql.NullString
			fileRowID                              sql.NullInt64
			filename, path                         sql.NullString
		)
		if err := rows.Scan(&wu.RowID, &wu.WUID, &status, &wu.WUText, &timeCreated,
			&timeAssigned, &assignedBy, &timeResult, &resultClient, &errorCode,
			&failedCommand, &timeVerified, &retryOf, &wu.Priority,
			&fileRowID, &filename, &path); err != nil {
			return nil, fmt.Errorf("mapper: where: scan: %w", err)
		}
		wu.Status = wustatus.Status(status)
		wu.TimeCreated = timeCreated.String
		wu.TimeAssigned = timeAssigned.String
		wu.AssignedClient = assignedBy.String
		wu.TimeResult = timeResult.String
		wu.ResultClient = resultClient.String
		wu.TimeVerified = timeVerified.String
		wu.RetryOf = retryOf.String
		if errorCode.Valid {
			v := int(errorCode.Int64)
			wu.ErrorCode = &v
		}
		if failedCommand.Valid {
			v := int(failedCommand.Int64)
			wu.FailedCommand = &v
		}

		// Collapse rows sharing the same parent row_id, per spec §4.2.
		// limit bounds the number of distinct parent records, not raw
		// joined rows -- applying it in SQL would truncate a parent's
		// file list whenever it has more than one attached file.
		isNewParent := len(out) == 0 || out[len(out)-1].RowID != wu.RowID
		if isNewParent && limit > 0 && len(out) >= limit {
			break
		}
		if isNewParent {
			out = append(out, wu)
		}
		if fileRowID.Valid {
			last := &out[len(out)-1]
			last.Files = append(last.Files, dbrecord.ResultFile{
				RowID:       fileRowID.Int64,
				ParentRowID: wu.RowID,
				Filename:    filename.String,
				Path:        path.String,
			})
		}
	}
	return out, rows.Err()
}

// Queryer abstracts over *sql.DB and *sql.Tx for read paths that may run
// either inside or outside an explicit transaction.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
