// Package lifecycle holds the run status state machine and result status values.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

type RunStatus string

const (
	RunDraft      RunStatus = "draft"
	RunInProgress RunStatus = "in_progress"
	RunDone       RunStatus = "done"
	RunLocked     RunStatus = "locked"
)

type ResultStatus string

const (
	ResultOK   ResultStatus = "ok"
	ResultFail ResultStatus = "fail"
	ResultNA   ResultStatus = "na"
)

var ErrInvalidTransition = errors.New("invalid run status transition")

// next lists every status reachable from a given one. Each status may be re-entered.
var next = map[RunStatus][]RunStatus{
	RunDraft:      {RunDraft, RunInProgress},
	RunInProgress: {RunInProgress, RunDone},
	RunDone:       {RunDone, RunLocked},
	RunLocked:     {RunLocked},
}

func ParseRunStatus(value string) (RunStatus, error) {
	status := RunStatus(value)
	if _, ok := next[status]; !ok {
		return "", fmt.Errorf("unknown run status %q", value)
	}
	return status, nil
}

func ParseResultStatus(value string) (ResultStatus, error) {
	switch ResultStatus(value) {
	case ResultOK, ResultFail, ResultNA:
		return ResultStatus(value), nil
	default:
		return "", fmt.Errorf("unknown result status %q", value)
	}
}

func CanTransition(from, to RunStatus) bool {
	for _, allowed := range next[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Stamps are the run timestamps touched by a transition.
type Stamps struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	LockedAt   *time.Time
	UpdatedAt  time.Time
}

// Transition validates from -> to and returns the stamps after the move.
// Started and finished times are set once. Locking stamps a fresh locked time,
// re-submitting locked keeps it.
func Transition(from, to RunStatus, current Stamps, now time.Time) (Stamps, error) {
	if !CanTransition(from, to) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	out := current
	switch to {
	case RunInProgress:
		out.StartedAt = stampOnce(out.StartedAt, now)
	case RunDone:
		out.StartedAt = stampOnce(out.StartedAt, now)
		out.FinishedAt = stampOnce(out.FinishedAt, now)
	case RunLocked:
		out.StartedAt = stampOnce(out.StartedAt, now)
		out.FinishedAt = stampOnce(out.FinishedAt, now)
		if from != RunLocked || out.LockedAt == nil {
			locked := now
			out.LockedAt = &locked
		}
	}
	out.UpdatedAt = now
	return out, nil
}

// FailReason returns the code to persist for a result, which is nil unless status is fail.
func FailReason(status ResultStatus, code *string) *string {
	if status != ResultFail || code == nil {
		return nil
	}
	value := *code
	return &value
}

func stampOnce(current *time.Time, now time.Time) *time.Time {
	if current != nil {
		return current
	}
	stamped := now
	return &stamped
}
