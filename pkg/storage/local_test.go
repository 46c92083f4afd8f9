package storage

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestLocalStorageReadWriteDelete(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()

	if err := s.Write(ctx, "workflows/WF-001.yaml", []byte("id: WF-001")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	data, err := s.Read(ctx, "workflows/WF-001.yaml")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "id: WF-001" {
		t.Errorf("unexpected data: %s", data)
	}

	exists, err := s.Exists(ctx, "workflows/WF-001.yaml")
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if !exists {
		t.Error("expected path to exist")
	}

	if err := s.Delete(ctx, "workflows/WF-001.yaml"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := s.Read(ctx, "workflows/WF-001.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalStorageListWalksNestedPrefixes(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()

	files := []string{
		"workflow_events/WF-001/01A.yaml",
		"workflow_events/WF-001/01B.yaml",
		"workflow_events/WF-002/01C.yaml",
	}
	for _, p := range files {
		if err := s.Write(ctx, p, []byte("x")); err != nil {
			t.Fatalf("failed to write %s: %v", p, err)
		}
	}

	paths, err := s.List(ctx, "workflow_events")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != len(files) {
		t.Fatalf("expected %d paths, got %d: %v", len(files), len(paths), paths)
	}
	for i, p := range files {
		if paths[i] != p {
			t.Errorf("expected path %s, got %s", p, paths[i])
		}
	}

	scoped, err := s.List(ctx, "workflow_events/WF-001")
	if err != nil {
		t.Fatalf("failed to list scoped prefix: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("expected 2 paths under WF-001, got %d: %v", len(scoped), scoped)
	}

	empty, err := s.List(ctx, "no_such_prefix")
	if err != nil {
		t.Fatalf("listing missing prefix should not fail: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty result for missing prefix, got %v", empty)
	}
}
