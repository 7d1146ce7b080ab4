// Package taskstate holds the pure rules for task status and for merging a
// task change into a project's task sequence. Nothing here touches storage.
package taskstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

var (
	ErrInvalidTask     = errors.New("invalid task")
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTask   = errors.New("task with this description already exists")
)

// DeriveStatus maps a progress update onto a status. 100 is Done, anything
// above zero is In Progress, and zero keeps whatever status the task had:
// a task reset to 0% stays in its column. Review is never produced here.
func DeriveStatus(old model.TaskStatus, progress int) model.TaskStatus {
	if progress == 100 {
		return model.StatusDone
	}
	if progress > 0 {
		return model.StatusInProgress
	}
	return old
}

func ValidateProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidProgress, progress)
	}
	return nil
}

// NewTask builds a task in its initial state. Both fields are required.
func NewTask(description, assignedTo string) (model.Task, error) {
	description = strings.TrimSpace(description)
	assignedTo = strings.TrimSpace(assignedTo)
	if description == "" || assignedTo == "" {
		return model.Task{}, fmt.Errorf("%w: description and assignee are required", ErrInvalidTask)
	}
	return model.Task{
		ID:          uuid.NewString(),
		Description: description,
		AssignedTo:  assignedTo,
		Status:      model.StatusReady,
		Progress:    0,
	}, nil
}

// Find returns the index of the first task whose description equals name.
func Find(tasks []model.Task, name string) int {
	for i, t := range tasks {
		if t.Description == name {
			return i
		}
	}
	return -1
}

// Append returns a new sequence with t at the end. Descriptions act as the
// lookup key for progress updates and reviews, so duplicates are rejected.
func Append(tasks []model.Task, t model.Task) ([]model.Task, error) {
	if Find(tasks, t.Description) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.Description)
	}
	out := make([]model.Task, 0, len(tasks)+1)
	out = append(out, tasks...)
	return append(out, t), nil
}

// ApplyProgress returns a new sequence with the named task's progress set and
// its status re-derived, together with the updated task.
func ApplyProgress(tasks []model.Task, name string, progress int) ([]model.Task, model.Task, error) {
	if err := ValidateProgress(progress); err != nil {
		return nil, model.Task{}, err
	}
	i := Find(tasks, name)
	if i < 0 {
		return nil, model.Task{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	out := append(make([]model.Task, 0, len(tasks)), tasks...)
	out[i].Progress = progress
	out[i].Status = DeriveStatus(out[i].Status, progress)
	return out, out[i], nil
}

// Completion is the share of Done tasks in percent, rounded down. It is
// reported next to the stored progress, which nothing keeps in sync with it.
func Completion(tasks []model.Task) int {
	if len(tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range tasks {
		if t.Status == model.StatusDone {
			done++
		}
	}
	return done * 100 / len(tasks)
}

// BuildBoard groups tasks into the status columns. The Review column lists
// the review records instead of tasks.
func BuildBoard(p model.Project) model.Board {
	b := model.Board{
		ProjectID:  p.ID,
		Name:       p.Name,
		Progress:   p.Progress,
		Completion: Completion(p.Tasks),
		Members:    make([]string, 0, len(p.Members)),
	}
	for _, status := range model.Statuses {
		col := model.BoardColumn{Status: status}
		if status == model.StatusReview {
			col.Reviews = append(col.Reviews, p.Reviews...)
		} else {
			for _, t := range p.Tasks {
				if t.Status == status {
					col.Tasks = append(col.Tasks, t)
				}
			}
		}
		b.Columns = append(b.Columns, col)
	}
	for id, ok := range p.Members {
		if ok {
			b.Members = append(b.Members, id)
		}
	}
	sort.Strings(b.Members)
	return b
}
