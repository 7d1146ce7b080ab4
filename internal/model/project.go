package model

import "time"

// Project is the shared aggregate. Tasks and reviews are embedded, so the
// whole document is the unit of storage, versioning and subscription.
type Project struct {
	ID         string          `json:"id" bson:"_id"`
	Name       string          `json:"name" bson:"name"`
	Admin      string          `json:"admin" bson:"admin"`
	AccessCode string          `json:"accessCode,omitempty" bson:"accessCode"`
	Members    map[string]bool `json:"members" bson:"members"`
	Tasks      []Task          `json:"tasks" bson:"tasks"`
	Reviews    []Review        `json:"reviews" bson:"reviews"`
	Progress   int             `json:"progress" bson:"progress"`
	Version    int64           `json:"version" bson:"version"`
	CreatedAt  time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt" bson:"updatedAt"`
}

type Review struct {
	TaskID   string `json:"taskId,omitempty" bson:"taskId,omitempty"`
	TaskName string `json:"taskName" bson:"taskName"`
	Text     string `json:"review" bson:"review"`
}

// Clone returns a deep copy, so callers can mutate the result without
// touching a snapshot that other goroutines may hold.
func (p Project) Clone() Project {
	c := p
	c.Members = make(map[string]bool, len(p.Members))
	for k, v := range p.Members {
		c.Members[k] = v
	}
	c.Tasks = append(make([]Task, 0, len(p.Tasks)), p.Tasks...)
	c.Reviews = append(make([]Review, 0, len(p.Reviews)), p.Reviews...)
	return c
}

// IsMember reports presence in the membership map. A missing key and a false
// value both mean "not a member".
func (p Project) IsMember(userID string) bool {
	return p.Members[userID]
}

// Snapshot is one push-delivered, full-replacement copy of a project.
// Exists is false once the project is gone (or never existed).
type Snapshot struct {
	ProjectID string  `json:"projectId"`
	Exists    bool    `json:"exists"`
	Project   Project `json:"project"`
}

// ProjectFilter selects projects by equality on admin or on members.<uid>.
// Empty fields are ignored; at least one must be set.
type ProjectFilter struct {
	Admin  string
	Member string
}

// ProjectList mirrors the "created" and "joined" lists of a user.
type ProjectList struct {
	Created []Project `json:"created"`
	Joined  []Project `json:"joined"`
}
