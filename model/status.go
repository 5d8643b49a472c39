package model

import "fmt"

// Status is the lifecycle state of a test. The numeric values are part of
// the wire protocol.
type Status uint8

const (
	StatusQueue Status = iota
	StatusRun
	StatusCancel
	StatusErrBranch
	StatusErrCommit
	StatusErrPatch
	StatusErrMake
	StatusErrRun
	StatusInconclusive
	StatusH0
	StatusH1
	StatusElo
)

var statusLabels = map[Status]string{
	StatusQueue:        "Pending",
	StatusRun:          "Running",
	StatusCancel:       "Cancelled",
	StatusErrBranch:    "Branch not found",
	StatusErrCommit:    "Commit not found",
	StatusErrPatch:     "Failed to apply patch",
	StatusErrMake:      "Failed to compile",
	StatusErrRun:       "Runtime error",
	StatusInconclusive: "Inconclusive",
	StatusH0:           "H0 accepted",
	StatusH1:           "H1 accepted",
	StatusElo:          "Done",
}

var statusNames = map[Status]string{
	StatusQueue:        "queue",
	StatusRun:          "run",
	StatusCancel:       "cancel",
	StatusErrBranch:    "errbranch",
	StatusErrCommit:    "errcommit",
	StatusErrPatch:     "errpatch",
	StatusErrMake:      "errmake",
	StatusErrRun:       "errrun",
	StatusInconclusive: "inconclusive",
	StatusH0:           "h0",
	StatusH1:           "h1",
	StatusElo:          "elo",
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Label returns the human-readable text shown by dashboards.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return s.String()
}

// IsTerminal reports whether no further mutation may occur.
func (s Status) IsTerminal() bool {
	return s.Valid() && s != StatusQueue && s != StatusRun
}

// IsVerdict reports whether s is a decision engine result.
func (s Status) IsVerdict() bool {
	switch s {
	case StatusInconclusive, StatusH0, StatusH1, StatusElo:
		return true
	}
	return false
}

// IsStageError reports whether s is a pipeline failure that happens before
// any game is played.
func (s Status) IsStageError() bool {
	switch s {
	case StatusErrBranch, StatusErrCommit, StatusErrPatch, StatusErrMake:
		return true
	}
	return false
}

// CarriesStats reports whether a node report with this status is followed
// by progress fields on the wire.
func (s Status) CarriesStats() bool {
	return s == StatusRun || s == StatusErrRun || s == StatusCancel || s.IsVerdict()
}

// CanTransitionTo reports whether the registry accepts moving from s to
// target. Terminal statuses are immutable. A claimed test is in Run from
// dispatch on, and returns to Queue when its node is lost.
func (s Status) CanTransitionTo(target Status) bool {
	if !target.Valid() {
		return false
	}
	switch s {
	case StatusQueue:
		return target == StatusRun || target == StatusCancel
	case StatusRun:
		return target == StatusRun || target == StatusQueue || target.IsTerminal()
	default:
		return false
	}
}
