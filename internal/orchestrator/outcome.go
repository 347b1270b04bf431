package orchestrator

import (
	"fmt"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// OutcomeKind drives how the pipeline continues after a step.
type OutcomeKind int

const (
	// Continue moves on to the next step.
	Continue OutcomeKind = iota
	// SoftFail logs a warning and moves on.
	SoftFail
	// HardFail aborts the run.
	HardFail
	// ManualIntervention aborts the run with a state a human must finish.
	ManualIntervention
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case SoftFail:
		return "soft_fail"
	case HardFail:
		return "hard_fail"
	case ManualIntervention:
		return "manual_intervention"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// StepOutcome is the tagged result of one pipeline step.
type StepOutcome struct {
	Kind    OutcomeKind
	Message string
	// ErrorKind is set for HardFail. An empty kind with Err set is
	// classified by the runner.
	ErrorKind schemas.ErrorKind
	Err       error
}

// Proceed is the Continue outcome.
func Proceed() StepOutcome {
	return StepOutcome{Kind: Continue}
}

// Warn is a SoftFail outcome.
func Warn(format string, args ...interface{}) StepOutcome {
	return StepOutcome{Kind: SoftFail, Message: fmt.Sprintf(format, args...)}
}

// Fail is a HardFail outcome with a known error kind.
func Fail(kind schemas.ErrorKind, format string, args ...interface{}) StepOutcome {
	return StepOutcome{Kind: HardFail, ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Errored is a HardFail caused by an infrastructure error.
func Errored(err error) StepOutcome {
	return StepOutcome{Kind: HardFail, Message: err.Error(), Err: err}
}

// Manual is the ManualIntervention outcome.
func Manual(reason string) StepOutcome {
	return StepOutcome{Kind: ManualIntervention, ErrorKind: schemas.ErrKindOTPRequired, Message: reason}
}

// NotFound is the HardFail for a required element that no strategy found.
func NotFound(step, target string) StepOutcome {
	return Fail(schemas.ErrKindElementNotFound, "element not found in step %s: %s", step, target)
}

// Terminal reports whether the pipeline stops after this outcome.
func (o StepOutcome) Terminal() bool {
	return o.Kind == HardFail || o.Kind == ManualIntervention
}
