package model

type TaskStatus string

// Persisted status values keep the labels the board columns have always used.
const (
	StatusReady      TaskStatus = "Task Ready"
	StatusInProgress TaskStatus = "In Progress"
	// StatusReview is a board column fed by Project.Reviews. Nothing assigns
	// it to Task.Status.
	StatusReview TaskStatus = "Review"
	StatusDone   TaskStatus = "Done"
)

// Statuses lists the board columns in display order.
var Statuses = []TaskStatus{StatusReady, StatusInProgress, StatusReview, StatusDone}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusReady, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

type Task struct {
	ID          string     `json:"id" bson:"id"`
	Description string     `json:"description" bson:"description"`
	AssignedTo  string     `json:"assignedTo" bson:"assignedTo"`
	Status      TaskStatus `json:"status" bson:"status"`
	Progress    int        `json:"progress" bson:"progress"`
}

// Board is the four-column view of a project.
type Board struct {
	ProjectID  string        `json:"projectId"`
	Name       string        `json:"name"`
	Columns    []BoardColumn `json:"columns"`
	Progress   int           `json:"progress"`
	Completion int           `json:"completion"`
	Members    []string      `json:"members"`
}

type BoardColumn struct {
	Status  TaskStatus `json:"status"`
	Tasks   []Task     `json:"tasks,omitempty"`
	Reviews []Review   `json:"reviews,omitempty"`
}
