// Package worktree provisions one isolated git worktree per workflow so
// agent-made changes stay out of the main working copy until merged.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

type Manager struct {
	repoPath      string
	worktreesPath string
}

func NewManager(repoPath string) (*Manager, error) {
	worktreesPath := filepath.Join(repoPath, ".flowguild", "worktrees")
	if err := os.MkdirAll(worktreesPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	return &Manager{
		repoPath:      repoPath,
		worktreesPath: worktreesPath,
	}, nil
}

// CreateWorkflowWorktree creates (or reuses) the worktree and branch for a
// workflow. The branch is named flow/<workflowID>_<slug of title>. Calling it
// again for an existing worktree returns the same path and branch.
func (m *Manager) CreateWorkflowWorktree(ctx context.Context, workflowID, title, baseBranch string) (worktreePath, branchName string, err error) {
	worktreePath = filepath.Join(m.worktreesPath, workflowID)
	branchName = BranchName(workflowID, title)

	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, branchName, nil
	}

	args := []string{"worktree", "add", "-b", branchName, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("failed to create git worktree: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return worktreePath, branchName, nil
}

func (m *Manager) RemoveWorktree(ctx context.Context, workflowID string) error {
	worktreePath := filepath.Join(m.worktreesPath, workflowID)

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = m.repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove git worktree: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return nil
}

func (m *Manager) WorktreePath(workflowID string) string {
	return filepath.Join(m.worktreesPath, workflowID)
}

// CommitAll stages and commits every change in the worktree. An empty
// worktree ("nothing to commit") returns an empty sha without error.
func (m *Manager) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = worktreePath
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w: %s", err, strings.TrimSpace(string(out)))
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = worktreePath
	if out, err := commit.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return "", nil
		}
		return "", fmt.Errorf("failed to commit: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return m.HeadCommit(ctx, worktreePath)
}

// HeadCommit returns the current HEAD sha of the checkout at path.
func (m *Manager) HeadCommit(ctx context.Context, path string) (string, error) {
	return Head(ctx, path)
}

// Head returns the HEAD sha of an arbitrary checkout.
func Head(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BranchName derives the git branch for a workflow: flow/<id>_<slug>, where
// the slug is the ASCII-slugified title capped so the whole name stays under
// git's comfortable ref length.
func BranchName(workflowID, title string) string {
	slug := Slugify(title)
	name := "flow/" + strings.ToLower(workflowID)
	if slug != "" {
		name += "_" + slug
	}
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-_")
	}
	return name
}

var multiHyphen = regexp.MustCompile(`-{2,}`)

// Slugify lowercases s and keeps ASCII alphanumerics, collapsing everything
// else into single hyphens. Mostly non-ASCII titles produce a short or empty
// slug; callers fall back to the bare workflow id.
func Slugify(s string) string {
	var sb strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevHyphen = false
		} else if !prevHyphen {
			sb.WriteRune('-')
			prevHyphen = true
		}
	}
	slug := strings.Trim(sb.String(), "-")
	return multiHyphen.ReplaceAllString(slug, "-")
}
