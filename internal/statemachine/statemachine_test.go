package statemachine

import (
	"testing"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/pkg/apperrors"
)

func TestTransitionLegalMoves(t *testing.T) {
	cases := []struct {
		from, to record.Status
		trigger  Trigger
	}{
		{record.StatusWaiting, record.StatusRunning, TriggerTaskClaimed},
		{record.StatusRunning, record.StatusWaiting, TriggerManagerLost},
		{record.StatusRunning, record.StatusComplete, TriggerResultSuccess},
		{record.StatusRunning, record.StatusError, TriggerResultFailure},
		{record.StatusWaiting, record.StatusCancelled, TriggerCancel},
		{record.StatusRunning, record.StatusCancelled, TriggerCancel},
		{record.StatusError, record.StatusCancelled, TriggerCancel},
		{record.StatusCancelled, record.StatusWaiting, TriggerUncancel},
		{record.StatusError, record.StatusWaiting, TriggerReset},
		{record.StatusComplete, record.StatusInvalid, TriggerInvalidate},
		{record.StatusInvalid, record.StatusComplete, TriggerUninvalidate},
	}
	for _, c := range cases {
		if err := Transition(c.from, c.to, c.trigger); err != nil {
			t.Errorf("expected %s -> %s to be legal, got %v", c.from, c.to, err)
		}
	}
}

func TestTransitionIllegalMoves(t *testing.T) {
	cases := []struct {
		from, to record.Status
	}{
		{record.StatusWaiting, record.StatusComplete},
		{record.StatusComplete, record.StatusWaiting},
		{record.StatusComplete, record.StatusRunning},
		{record.StatusInvalid, record.StatusWaiting},
		{record.StatusCancelled, record.StatusRunning},
		{record.StatusCancelled, record.StatusComplete},
	}
	for _, c := range cases {
		err := Transition(c.from, c.to, TriggerReset)
		if err == nil {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
			continue
		}
		if !apperrors.Is(err, apperrors.CodeInvalidTransition) {
			t.Errorf("expected invalid-transition error, got %v", err)
		}
	}
}

func TestAnyToDeleted(t *testing.T) {
	for _, from := range []record.Status{
		record.StatusWaiting, record.StatusRunning, record.StatusComplete,
		record.StatusError, record.StatusCancelled, record.StatusInvalid,
	} {
		if err := Transition(from, record.StatusDeleted, TriggerSoftDelete); err != nil {
			t.Errorf("expected %s -> deleted to be legal, got %v", from, err)
		}
	}
}

func TestDeletedCannotTransitionDirectly(t *testing.T) {
	err := Transition(record.StatusDeleted, record.StatusWaiting, TriggerUndelete)
	if err == nil {
		t.Fatal("expected error leaving deleted state via Transition")
	}
}

func TestUndeleteRestoresSnapshot(t *testing.T) {
	snap := record.StatusRunning
	got, err := Undelete(record.StatusDeleted, &snap)
	if err != nil {
		t.Fatalf("Undelete: %v", err)
	}
	if got != record.StatusRunning {
		t.Errorf("expected restored status running, got %s", got)
	}
}

func TestUndeleteRequiresDeletedState(t *testing.T) {
	snap := record.StatusRunning
	if _, err := Undelete(record.StatusWaiting, &snap); err == nil {
		t.Fatal("expected error undeleting a non-deleted record")
	}
}

func TestUndeleteRequiresSnapshot(t *testing.T) {
	if _, err := Undelete(record.StatusDeleted, nil); err == nil {
		t.Fatal("expected error undeleting without a snapshot")
	}
}

func TestServiceAdmissible(t *testing.T) {
	if !ServiceAdmissible([]record.Status{record.StatusComplete, record.StatusError}) {
		t.Error("expected all-terminal dependency set to be admissible")
	}
	if ServiceAdmissible([]record.Status{record.StatusComplete, record.StatusRunning}) {
		t.Error("expected running dependency to block admission")
	}
	if !ServiceAdmissible(nil) {
		t.Error("expected empty dependency set to be admissible")
	}
}

func TestServiceAggregateOutcome(t *testing.T) {
	if !ServiceAggregateOutcome([]record.Status{record.StatusComplete, record.StatusError}) {
		t.Error("expected an error dependency to raise the parent by default")
	}
	if ServiceAggregateOutcome([]record.Status{record.StatusComplete, record.StatusInvalid}) {
		t.Error("expected no error dependency to not raise the parent")
	}
}
