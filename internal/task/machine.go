package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/ianktoo/image-converter/internal/errs"
)

// maxRunningProgress keeps 100 reserved for completed tasks.
const maxRunningProgress = 99

type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventOutput
	EventComplete
	EventFail
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventOutput:
		return "output"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a state machine input.
type Event struct {
	Kind     EventKind
	Progress int
	Output   Output
	Err      error
}

func Start() Event { return Event{Kind: EventStart} }

func Progress(p int) Event { return Event{Kind: EventProgress, Progress: p} }

func AddOutput(o Output) Event { return Event{Kind: EventOutput, Output: o} }

func Complete() Event { return Event{Kind: EventComplete} }

func Fail(err error) Event { return Event{Kind: EventFail, Err: err} }

// apply mutates t according to ev. It never leaves t half-updated: on error t
// is untouched.
func apply(t *Task, ev Event, now time.Time) error {
	invalid := func() error {
		return fmt.Errorf("%w: %s while %s", errs.ErrInvalidTransition, ev.Kind, t.Status)
	}
	if t.Status.Terminal() {
		return invalid()
	}

	switch ev.Kind {
	case EventStart:
		if t.Status != StatusPending {
			return invalid()
		}
		t.Status = StatusConverting
		t.Progress = 0
	case EventProgress:
		if t.Status != StatusConverting {
			return invalid()
		}
		p := min(ev.Progress, maxRunningProgress)
		if p > t.Progress {
			t.Progress = p
		}
	case EventOutput:
		if t.Status != StatusConverting {
			return invalid()
		}
		t.OutputPaths = append(t.OutputPaths, ev.Output.Path)
		t.OutputSizes = append(t.OutputSizes, ev.Output.Size)
		t.OutputFormats = append(t.OutputFormats, ev.Output.Format)
	case EventComplete:
		if t.Status != StatusConverting {
			return invalid()
		}
		t.Status = StatusCompleted
		t.Progress = 100
		t.CompletedAt = &now
	case EventFail:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified failure")
		}
		t.Status = StatusFailed
		t.Error = &Error{Kind: errs.KindOf(err), Message: err.Error()}
		t.CompletedAt = &now
	default:
		return invalid()
	}
	return nil
}
