package batch

import (
	"time"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/task"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Batch groups tasks submitted together for combined archival.
type Batch struct {
	ID          string         `json:"batch_id"`
	SessionID   string         `json:"session_id"`
	TaskIDs     []string       `json:"task_ids"`
	Layout      archive.Layout `json:"layout"`
	FailFast    bool           `json:"fail_fast"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	ArchiveName string         `json:"archive_name,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (b Batch) clone() Batch {
	b.TaskIDs = append([]string(nil), b.TaskIDs...)
	return b
}

// Derive computes the aggregate status from the constituent tasks. It is
// pure: the same task states always give the same answer.
//
// Under fail-fast any failed task fails the batch. Otherwise the batch
// completes once every task is terminal, unless no task produced an output.
func Derive(tasks []task.Task, failFast bool) (Status, string) {
	terminal, failed, outputs := 0, 0, 0
	var firstFailure *task.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			terminal++
		}
		if t.Status == task.StatusFailed {
			failed++
			if firstFailure == nil {
				firstFailure = t
			}
		}
		outputs += len(t.OutputPaths)
	}

	if failFast && failed > 0 {
		msg := "task " + firstFailure.ID + " failed"
		if firstFailure.Error != nil {
			msg += ": " + firstFailure.Error.Message
		}
		return StatusFailed, msg
	}
	if terminal < len(tasks) || len(tasks) == 0 {
		return StatusProcessing, ""
	}
	if outputs == 0 {
		return StatusFailed, "no outputs produced"
	}
	return StatusCompleted, ""
}
