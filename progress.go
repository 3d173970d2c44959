package stagedflow

import "time"

// StepState is the display state of one step of an instance
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateActive    StepState = "active"
	StepStateCompleted StepState = "completed"
	StepStateFailed    StepState = "failed"
	StepStateSkipped   StepState = "skipped"
)

// StepProgress describes one step of an instance for display
type StepProgress struct {
	ID              string
	Title           string
	State           StepState
	NominalDuration time.Duration
}

// Progress summarizes how far an instance has advanced through its template
type Progress struct {
	Completed int
	Total     int
	Percent   float64
	Remaining time.Duration
	Steps     []StepProgress
}

// ProgressOf computes the progress of an instance of the given template.
// Remaining is the sum of the nominal durations of the steps that have not
// completed yet, and is zero once the instance is terminal.
func ProgressOf(t *Template, inst *Instance) Progress {
	total := t.Len()
	completed := 0
	switch {
	case inst.Status == StatusSucceeded:
		completed = total
	case inst.CurrentStepIndex >= 0:
		completed = inst.CurrentStepIndex
		// A step whose result is recorded has completed even if the next
		// one has not started yet
		if _, ok := inst.StepResults[inst.CurrentStepID]; ok && inst.CurrentStepID != "" {
			completed++
		}
	}
	completed = min(completed, total)

	p := Progress{
		Completed: completed,
		Total:     total,
		Steps:     make([]StepProgress, total),
	}
	if total > 0 {
		p.Percent = float64(completed) / float64(total) * 100
	}
	for i, step := range t.Steps() {
		sp := StepProgress{
			ID:              step.ID,
			Title:           step.Title,
			NominalDuration: step.NominalDuration,
			State:           StepStatePending,
		}
		switch {
		case i < completed:
			sp.State = StepStateCompleted
		case inst.Status == StatusFailed && i == inst.CurrentStepIndex:
			sp.State = StepStateFailed
		case inst.Status.IsTerminal():
			sp.State = StepStateSkipped
		case i == inst.CurrentStepIndex:
			sp.State = StepStateActive
		}
		if !inst.Status.IsTerminal() && i >= completed {
			p.Remaining += step.NominalDuration
		}
		p.Steps[i] = sp
	}
	return p
}
