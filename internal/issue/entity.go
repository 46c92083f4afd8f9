package issue

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

type Issue struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Status      Status     `yaml:"status"`
	// Spec is the id of the spec document this issue implements, if any.
	Spec      string     `yaml:"spec,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty"`
	Blocks    []string   `yaml:"blocks,omitempty"`
	Labels    []string   `yaml:"labels,omitempty"`
	CreatedAt time.Time  `yaml:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at"`
	ClosedAt  *time.Time `yaml:"closed_at,omitempty"`
}

func (i *Issue) IsClosed() bool {
	return i.Status == StatusClosed
}

type RelationType string

const (
	RelationDependsOn RelationType = "depends_on"
	RelationBlocks    RelationType = "blocks"
)

// Relationship is a (from, type, to) dependency triple between two issues.
type Relationship struct {
	From string
	Type RelationType
	To   string
}
