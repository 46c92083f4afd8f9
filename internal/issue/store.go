package issue

import "context"

type Store interface {
	// Create persists a new issue, assigning an ISSUE-### id when i.ID is empty.
	Create(ctx context.Context, i *Issue) error
	Get(ctx context.Context, id string) (*Issue, error)
	List(ctx context.Context) ([]*Issue, error)
	// Update applies mutate to the latest persisted copy and writes it back.
	Update(ctx context.Context, id string, mutate func(*Issue) error) error
	Close(ctx context.Context, id string) error
	// Relationships returns the dependency triples among the given issue set.
	// Both depends_on and blocks edges are reported; edges reaching outside
	// the set are included so callers can decide how to treat them.
	Relationships(ctx context.Context, ids []string) ([]Relationship, error)
}
