// Package wustatus defines the work-unit status lattice and the guard that
// rejects transitions inconsistent with it.
package wustatus

import "fmt"

// Status is one of the seven states a work-unit can occupy.
type Status int

const (
	Available Status = iota
	Assigned
	ReceivedOK
	ReceivedError
	VerifiedOK
	VerifiedError
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case Assigned:
		return "ASSIGNED"
	case ReceivedOK:
		return "RECEIVED_OK"
	case ReceivedError:
		return "RECEIVED_ERROR"
	case VerifiedOK:
		return "VERIFIED_OK"
	case VerifiedError:
		return "VERIFIED_ERROR"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined constants.
func Valid(s Status) bool {
	return s >= Available && s <= Cancelled
}

// terminal are states from which only CANCELLED-style admin overrides make
// no sense, because they're already final.
var terminal = map[Status]bool{
	VerifiedOK:    true,
	VerifiedError: true,
	Cancelled:     true,
}

// Terminal reports whether s has no further legal transitions.
func Terminal(s Status) bool {
	return terminal[s]
}

// transitions enumerates the legal forward edges of the lattice, mirroring
// the AVAILABLE -> ASSIGNED -> RECEIVED_* -> VERIFIED_* progression plus the
// CANCELLED escape hatch reachable from any non-terminal state.
var transitions = map[Status][]Status{
	Available:     {Assigned, Cancelled},
	Assigned:      {ReceivedOK, ReceivedError, Cancelled},
	ReceivedOK:    {VerifiedOK, VerifiedError, Cancelled},
	ReceivedError: {VerifiedOK, VerifiedError, Cancelled},
	VerifiedOK:    nil,
	VerifiedError: nil,
	Cancelled:     nil,
}

// Allowed reports whether the lattice permits a direct from -> to edge.
func Allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ViolationError signals that an operation was attempted on a work-unit in
// an unexpected state. Per spec it is logged, the operation fails, and no
// state change is committed.
type ViolationError struct {
	WUID     string
	Got      Status
	Expected Status
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("state violation: wu %q has status %s, expected %s", e.WUID, e.Got, e.Expected)
}

// Check returns a *ViolationError if got != expected, nil otherwise. Callers
// use this as the transition guard immediately before any status-changing
// mutation, so the violation is detected before the transaction commits.
func Check(wuid string, got, expected Status) error {
	if got != expected {
		return &ViolationError{WUID: wuid, Got: got, Expected: expected}
	}
	return nil
}

// ResultStatus maps a client-reported exit code to the post-result status,
// per spec ("RECEIVED_OK if error_code==0 else RECEIVED_ERROR").
func ResultStatus(errorCode int) Status {
	if errorCode == 0 {
		return ReceivedOK
	}
	return ReceivedError
}

// VerifyStatus maps an external verification verdict to the post-verify
// status.
func VerifyStatus(ok bool) Status {
	if ok {
		return VerifiedOK
	}
	return VerifiedError
}
