package issue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/storage"
)

const issuesPrefix = "issues"

// YAMLStore persists issues as one YAML file per issue. Id assignment and
// read-modify-write updates are serialized by a store-level mutex.
type YAMLStore struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLStore(s storage.Storage) *YAMLStore {
	return &YAMLStore{storage: s}
}

// NewYAMLStoreAt roots a YAMLStore at an arbitrary directory. Workflow
// worktrees carry their own checkout of the issue files, so the engine
// closes issues through a store rooted at the worktree rather than the
// canonical one.
func NewYAMLStoreAt(dir string) (*YAMLStore, error) {
	ls, err := storage.NewLocalStorage(dir)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to create issue storage: %w", err))
	}
	return NewYAMLStore(ls), nil
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", issuesPrefix, id)
}

func (s *YAMLStore) Create(ctx context.Context, i *Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i.ID == "" {
		id, err := s.nextID(ctx)
		if err != nil {
			return err
		}
		i.ID = id
	}

	exists, err := s.storage.Exists(ctx, path(i.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("issue", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "issue already exists", nil)
	}

	now := time.Now()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = StatusOpen
	}

	return s.write(ctx, i)
}

func (s *YAMLStore) Get(ctx context.Context, id string) (*Issue, error) {
	data, err := s.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("issue", err)
	}
	var i Issue
	if err := yaml.Unmarshal(data, &i); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal issue: %w", err))
	}
	return &i, nil
}

func (s *YAMLStore) List(ctx context.Context) ([]*Issue, error) {
	paths, err := s.storage.List(ctx, issuesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("issues", err)
	}
	sort.Strings(paths)

	var all []*Issue
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var i Issue
		if err := yaml.Unmarshal(data, &i); err != nil {
			continue
		}
		all = append(all, &i)
	}
	return all, nil
}

func (s *YAMLStore) Update(ctx context.Context, id string, mutate func(*Issue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(i); err != nil {
		return err
	}
	i.UpdatedAt = time.Now()
	return s.write(ctx, i)
}

func (s *YAMLStore) Close(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(i *Issue) error {
		if i.Status == StatusClosed {
			return nil
		}
		i.Status = StatusClosed
		now := time.Now()
		i.ClosedAt = &now
		return nil
	})
}

func (s *YAMLStore) Relationships(ctx context.Context, ids []string) ([]Relationship, error) {
	var rels []Relationship
	for _, id := range ids {
		i, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, dep := range i.DependsOn {
			rels = append(rels, Relationship{From: i.ID, Type: RelationDependsOn, To: dep})
		}
		for _, blocked := range i.Blocks {
			rels = append(rels, Relationship{From: i.ID, Type: RelationBlocks, To: blocked})
		}
	}
	return rels, nil
}

func (s *YAMLStore) write(ctx context.Context, i *Issue) error {
	data, err := yaml.Marshal(i)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal issue: %w", err))
	}
	if err := s.storage.Write(ctx, path(i.ID), data); err != nil {
		return cerr.WrapStorageWriteError("issue", err)
	}
	return nil
}

func (s *YAMLStore) nextID(ctx context.Context) (string, error) {
	paths, err := s.storage.List(ctx, issuesPrefix)
	if err != nil {
		return "", cerr.WrapStorageReadError("issues", err)
	}
	maxID := 0
	for _, p := range paths {
		name := strings.TrimSuffix(p[strings.LastIndex(p, "/")+1:], ".yaml")
		if !strings.HasPrefix(name, "ISSUE-") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, "ISSUE-%d", &n); err == nil && n > maxID {
			maxID = n
		}
	}
	return fmt.Sprintf("ISSUE-%03d", maxID+1), nil
}
