package workflow

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

const (
	workflowsPrefix = "workflows"
	eventsPrefix    = "workflow_events"
)

// YAMLStore persists one YAML file per workflow and one per event row. Id
// assignment and read-modify-write updates are serialized by a store-level
// mutex.
type YAMLStore struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLStore(s storage.Storage) *YAMLStore {
	return &YAMLStore{storage: s}
}

func workflowPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", workflowsPrefix, id)
}

func eventDir(workflowID string) string {
	return fmt.Sprintf("%s/%s", eventsPrefix, workflowID)
}

func eventPath(workflowID, eventID string) string {
	return fmt.Sprintf("%s/%s.yaml", eventDir(workflowID), eventID)
}

func (s *YAMLStore) NextWorkflowID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID(ctx)
}

func (s *YAMLStore) nextID(ctx context.Context) (string, error) {
	paths, err := s.storage.List(ctx, workflowsPrefix)
	if err != nil {
		return "", cerr.WrapStorageReadError("workflows", err)
	}
	maxID := 0
	for _, p := range paths {
		name := strings.TrimSuffix(p[strings.LastIndex(p, "/")+1:], ".yaml")
		var id int
		if _, err := fmt.Sscanf(name, "WF-%d", &id); err == nil && id > maxID {
			maxID = id
		}
	}
	return fmt.Sprintf("WF-%03d", maxID+1), nil
}

func (s *YAMLStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		id, err := s.nextID(ctx)
		if err != nil {
			return err
		}
		w.ID = id
	}

	exists, err := s.storage.Exists(ctx, workflowPath(w.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("workflow", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("workflow %s already exists", w.ID), nil)
	}

	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = StatusPending
	}
	return s.writeWorkflow(ctx, w)
}

func (s *YAMLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	data, err := s.storage.Read(ctx, workflowPath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("workflow", err)
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal workflow: %w", err))
	}
	return &w, nil
}

func (s *YAMLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	paths, err := s.storage.List(ctx, workflowsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("workflows", err)
	}
	sort.Strings(paths)

	var workflows []*Workflow
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var w Workflow
		if err := yaml.Unmarshal(data, &w); err != nil {
			continue
		}
		workflows = append(workflows, &w)
	}
	return workflows, nil
}

func (s *YAMLStore) UpdateWorkflow(ctx context.Context, id string, mutate func(*Workflow) error) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	if err := s.writeWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *YAMLStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Event rows go first; a leftover row directory without its workflow is
	// harmless, the reverse confuses listings.
	paths, err := s.storage.List(ctx, eventDir(id))
	if err == nil {
		for _, p := range paths {
			if err := s.storage.Delete(ctx, p); err != nil {
				continue
			}
		}
	}
	if err := s.storage.Delete(ctx, workflowPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("workflow", err)
	}
	return nil
}

func (s *YAMLStore) AppendEvent(ctx context.Context, e *WorkflowEvent) error {
	if e.WorkflowID == "" {
		return cerr.NewError(cerr.InvalidArgument, "event workflow_id is empty", nil)
	}
	if e.ID == "" {
		return cerr.NewError(cerr.InvalidArgument, "event id is empty", nil)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow event: %w", err))
	}
	if err := s.storage.Write(ctx, eventPath(e.WorkflowID, e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("workflow event", err)
	}
	return nil
}

func (s *YAMLStore) GetEvent(ctx context.Context, workflowID, eventID string) (*WorkflowEvent, error) {
	data, err := s.storage.Read(ctx, eventPath(workflowID, eventID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("workflow event", err)
	}
	var e WorkflowEvent
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal workflow event: %w", err))
	}
	return &e, nil
}

func (s *YAMLStore) ListEvents(ctx context.Context, workflowID string, opts ListEventsOptions) ([]*WorkflowEvent, error) {
	paths, err := s.storage.List(ctx, eventDir(workflowID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("workflow events", err)
	}
	// ULID file names make the lexicographic order chronological.
	sort.Strings(paths)

	var events []*WorkflowEvent
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e WorkflowEvent
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		if opts.UnprocessedOnly && e.Processed() {
			continue
		}
		if len(opts.Types) > 0 && !containsString(opts.Types, e.Type) {
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}

func (s *YAMLStore) UpdateEvent(ctx context.Context, workflowID, eventID string, mutate func(*WorkflowEvent) error) (*WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.GetEvent(ctx, workflowID, eventID)
	if err != nil {
		return nil, err
	}
	if err := mutate(e); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(e)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow event: %w", err))
	}
	if err := s.storage.Write(ctx, eventPath(workflowID, eventID), data); err != nil {
		return nil, cerr.WrapStorageWriteError("workflow event", err)
	}
	return e, nil
}

func (s *YAMLStore) MarkEventsProcessed(ctx context.Context, workflowID string, eventIDs []string) error {
	now := time.Now()
	for _, id := range eventIDs {
		_, err := s.UpdateEvent(ctx, workflowID, id, func(e *WorkflowEvent) error {
			if e.ProcessedAt == nil {
				t := now
				e.ProcessedAt = &t
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *YAMLStore) writeWorkflow(ctx context.Context, w *Workflow) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow: %w", err))
	}
	if err := s.storage.Write(ctx, workflowPath(w.ID), data); err != nil {
		return cerr.WrapStorageWriteError("workflow", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
