package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/storage"
)

const executionsPrefix = "executions"

// YAMLStore persists executions as one YAML file per execution, named by ULID
// so a sorted listing is chronological.
type YAMLStore struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLStore(s storage.Storage) *YAMLStore {
	return &YAMLStore{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", executionsPrefix, id)
}

func (s *YAMLStore) Create(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.storage.Exists(ctx, path(e.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("execution", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "execution already exists", nil)
	}
	return s.write(ctx, e)
}

func (s *YAMLStore) Get(ctx context.Context, id string) (*Execution, error) {
	data, err := s.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("execution", err)
	}
	var e Execution
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal execution: %w", err))
	}
	return &e, nil
}

func (s *YAMLStore) List(ctx context.Context) ([]*Execution, error) {
	paths, err := s.storage.List(ctx, executionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("executions", err)
	}
	sort.Strings(paths)

	var all []*Execution
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e Execution
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		all = append(all, &e)
	}
	return all, nil
}

// Update applies mutate to the latest persisted copy and writes it back.
func (s *YAMLStore) Update(ctx context.Context, id string, mutate func(*Execution) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(e); err != nil {
		return err
	}
	return s.write(ctx, e)
}

func (s *YAMLStore) write(ctx context.Context, e *Execution) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal execution: %w", err))
	}
	if err := s.storage.Write(ctx, path(e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("execution", err)
	}
	return nil
}
