package workflow

import (
	"fmt"
	"strings"

	"github.com/kazz187/flowguild/pkg/cerr"
)

func newNotFoundError(id string) error {
	return cerr.NewError(cerr.NotFound, fmt.Sprintf("workflow %s not found", id), nil)
}

func newStepNotFoundError(workflowID, stepID string) error {
	return cerr.NewError(cerr.NotFound, fmt.Sprintf("step %s not found in workflow %s", stepID, workflowID), nil)
}

// newStateError rejects an operation invalid for the current lifecycle state,
// e.g. pausing a workflow that is not running.
func newStateError(op, id string, status Status) error {
	return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("cannot %s workflow %s in status %s", op, id, status), nil)
}

func newStepStateError(op, stepID string, status StepStatus) error {
	return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("cannot %s step %s in status %s", op, stepID, status), nil)
}

// CycleError reports dependency cycles found among a workflow's issues at
// creation time. Callers can recover it with errors.As to inspect the cycles.
type CycleError struct {
	// Cycles holds one issue id sequence per detected cycle, starting and
	// ending at the same issue.
	Cycles [][]string
}

func (e *CycleError) Error() string {
	rendered := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		rendered[i] = renderCycle(c)
	}
	return "dependency cycle detected: " + strings.Join(rendered, "; ")
}

// renderCycle formats a cycle as "A -> B -> A": the slice holds each member
// once, the closing edge back to the first member is appended for display.
func renderCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string{}, cycle...), cycle[0]), " -> ")
}

func newCycleError(cycles [][]string) error {
	ce := &CycleError{Cycles: cycles}
	details := make([]string, len(cycles))
	for i, c := range cycles {
		details[i] = renderCycle(c)
	}
	return cerr.NewErrorWithDetails(cerr.InvalidArgument, "issue dependencies contain a cycle", ce, details)
}
