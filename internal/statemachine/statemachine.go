// Package statemachine enforces the record status transition table shared
// by every computation kind. It is pure and storage-agnostic:
// callers load the current status, ask Transition whether a move is legal,
// and persist the result themselves inside their own transaction.
package statemachine

import (
	"fmt"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

// Trigger names the event driving a transition, used only for error
// messages and logging; it carries no behaviour of its own.
type Trigger string

const (
	TriggerCreate         Trigger = "create"
	TriggerTaskClaimed    Trigger = "task_claimed"
	TriggerServiceAdmitted Trigger = "service_admitted"
	TriggerManagerLost    Trigger = "manager_lost"
	TriggerReset          Trigger = "reset"
	TriggerResultSuccess  Trigger = "result_success"
	TriggerResultFailure  Trigger = "result_failure"
	TriggerServiceFinished Trigger = "service_finished"
	TriggerServiceRaised  Trigger = "service_raised"
	TriggerCancel         Trigger = "cancel"
	TriggerUncancel       Trigger = "uncancel"
	TriggerInvalidate     Trigger = "invalidate"
	TriggerUninvalidate   Trigger = "uninvalidate"
	TriggerSoftDelete     Trigger = "soft_delete"
	TriggerUndelete       Trigger = "undelete"
)

// legal enumerates every (from, to) pair in the shared transition table, excluding
// the create (nil -> waiting) and undelete (deleted -> snapshot) special
// cases which Transition and Undelete handle directly.
var legal = map[record.Status]map[record.Status]bool{
	record.StatusWaiting: {
		record.StatusRunning:   true,
		record.StatusCancelled: true,
	},
	record.StatusRunning: {
		record.StatusWaiting:   true,
		record.StatusComplete:  true,
		record.StatusError:     true,
		record.StatusCancelled: true,
	},
	record.StatusError: {
		record.StatusCancelled: true,
		record.StatusWaiting:   true,
	},
	record.StatusCancelled: {
		record.StatusWaiting: true,
	},
	record.StatusComplete: {
		record.StatusInvalid: true,
	},
	record.StatusInvalid: {
		record.StatusComplete: true,
	},
}

// Transition validates a from->to move. It never mutates the record; the
// caller writes the new status (and clears/sets PreDeleteStatus as needed)
// once this returns nil.
func Transition(from, to record.Status, trigger Trigger) error {
	if to == record.StatusDeleted {
		if from == record.StatusDeleted {
			return apperrors.InvalidTransition(fmt.Sprintf("record already deleted (trigger %s)", trigger))
		}
		return nil
	}
	if from == record.StatusDeleted {
		return apperrors.InvalidTransition(fmt.Sprintf("use Undelete to leave deleted state (trigger %s)", trigger))
	}

	allowed, ok := legal[from]
	if !ok || !allowed[to] {
		return apperrors.InvalidTransition(fmt.Sprintf("illegal transition %s -> %s (trigger %s)", from, to, trigger))
	}
	return nil
}

// Create validates the only way a record is born: no previous status.
func Create() record.Status { return record.StatusWaiting }

// Undelete validates restoring a soft-deleted record to its pre-delete
// snapshot. snapshot must be non-nil; a record can only be deleted once
// without an intervening undelete.
func Undelete(current record.Status, snapshot *record.Status) (record.Status, error) {
	if current != record.StatusDeleted {
		return "", apperrors.InvalidTransition("record is not deleted")
	}
	if snapshot == nil {
		return "", apperrors.Internal("soft-deleted record missing pre-delete snapshot", nil)
	}
	return *snapshot, nil
}

// ServiceAdmissible reports whether a service record in `running` may take
// its next iteration step: every current dependency must be in a
// terminal-for-iteration state.
func ServiceAdmissible(depStatuses []record.Status) bool {
	for _, s := range depStatuses {
		if !s.TerminalForIteration() {
			return false
		}
	}
	return true
}

// ServiceAggregateOutcome applies the default interpretation of dependency
// statuses for a service record reaching the admissible point: any error
// among dependencies raises the parent to error, matching "by default any
// error among dependencies raises the parent to error". A driver that
// returns its own Error takes precedence; otherwise callers consult this
// after the driver returns, and a true result overrides the driver's
// finish or spawn decision.
func ServiceAggregateOutcome(depStatuses []record.Status) (hasError bool) {
	for _, s := range depStatuses {
		if s == record.StatusError {
			return true
		}
	}
	return false
}
