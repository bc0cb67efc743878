// Package dbrecord defines the typed records persisted by the mapper, in
// place of the dynamic dictionaries the original implementation threaded
// through its mapping layer (see spec §9, "Dynamic record dicts -> typed
// records").
package dbrecord

import "wudispatch/internal/wustatus"

// WorkUnit is the persisted row described in spec §3.
type WorkUnit struct {
	RowID          int64
	WUID           string
	Status         wustatus.Status
	WUText         string
	TimeCreated    string
	TimeAssigned   string
	AssignedClient string
	TimeResult     string
	ResultClient   string
	ErrorCode      *int
	FailedCommand  *int
	TimeVerified   string
	RetryOf        string
	Priority       int64

	Files []ResultFile
}

// ResultFile is the child row of a WorkUnit, appended only when the WU
// reaches RECEIVED_*.
type ResultFile struct {
	RowID       int64
	ParentRowID int64
	Filename    string
	Path        string
}

// Operator is the closed variant set the original's where_str() kwargs
// (eq/lt/le/gt/ge/ne) collapse to.
type Operator int

const (
	OpEQ Operator = iota
	OpLT
	OpLE
	OpGT
	OpGE
	OpNE
)

func (o Operator) SQL() string {
	switch o {
	case OpEQ:
		return "="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpNE:
		return "!="
	default:
		return "="
	}
}

// Condition is one AND-joined term of a WHERE clause: column OP value.
type Condition struct {
	Column string
	Op     Operator
	Value  any
}

func Eq(column string, value any) Condition { return Condition{Column: column, Op: OpEQ, Value: value} }
func Lt(column string, value any) Condition { return Condition{Column: column, Op: OpLT, Value: value} }
func Le(column string, value any) Condition { return Condition{Column: column, Op: OpLE, Value: value} }
func Gt(column string, value any) Condition { return Condition{Column: column, Op: OpGT, Value: value} }
func Ge(column string, value any) Condition { return Condition{Column: column, Op: OpGE, Value: value} }
func Ne(column string, value any) Condition { return Condition{Column: column, Op: OpNE, Value: value} }

// Order is an ORDER BY clause: a column and ASC/DESC direction.
type Order struct {
	Column string
	Desc   bool
}
