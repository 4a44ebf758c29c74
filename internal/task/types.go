package task

import (
	"time"

	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/plan"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConverting Status = "converting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Error is the classified failure recorded on a task.
type Error struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Output is one produced artifact.
type Output struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

// Task is one input artifact being converted. OutputPaths, OutputSizes and
// OutputFormats are parallel and always the same length.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	BatchID       string     `json:"batch_id,omitempty"`
	Filename      string     `json:"filename"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Error         *Error     `json:"error"`
	Formats       []string   `json:"formats"`
	Jobs          []plan.Job `json:"jobs"`
	OutputPaths   []string   `json:"output_paths"`
	OutputSizes   []int64    `json:"output_sizes"`
	OutputFormats []string   `json:"output_formats"`
	InputKey      string     `json:"input_key"`
	InputSize     int64      `json:"input_size"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// Outputs zips the parallel output arrays.
func (t Task) Outputs() []Output {
	out := make([]Output, len(t.OutputPaths))
	for i := range t.OutputPaths {
		out[i] = Output{Path: t.OutputPaths[i], Size: t.OutputSizes[i], Format: t.OutputFormats[i]}
	}
	return out
}

// OutputBytes is the total size of all produced outputs.
func (t Task) OutputBytes() int64 {
	var n int64
	for _, s := range t.OutputSizes {
		n += s
	}
	return n
}

// LastActivity is the completion time, or creation time while running.
func (t Task) LastActivity() time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.CreatedAt
}

func (t *Task) clone() *Task {
	c := *t
	c.Formats = append([]string(nil), t.Formats...)
	c.Jobs = append([]plan.Job(nil), t.Jobs...)
	c.OutputPaths = append(make([]string, 0, len(t.OutputPaths)), t.OutputPaths...)
	c.OutputSizes = append(make([]int64, 0, len(t.OutputSizes)), t.OutputSizes...)
	c.OutputFormats = append(make([]string, 0, len(t.OutputFormats)), t.OutputFormats...)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Spec describes a task to create.
type Spec struct {
	SessionID string
	BatchID   string
	Filename  string
	Formats   []string
	Jobs      []plan.Job
	InputKey  string
	InputSize int64
}
