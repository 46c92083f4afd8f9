package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Issue mirrors the daemon's issue resource.
type Issue struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Spec        string     `json:"spec,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Blocks      []string   `json:"blocks,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type CreateIssueRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Spec        string   `json:"spec,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

func (c *Client) CreateIssue(ctx context.Context, req CreateIssueRequest) (*Issue, error) {
	var i Issue
	if err := c.do(ctx, http.MethodPost, "/api/issues", req, &i); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return &i, nil
}

func (c *Client) ListIssues(ctx context.Context) ([]Issue, error) {
	var out []Issue
	if err := c.do(ctx, http.MethodGet, "/api/issues", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var i Issue
	if err := c.do(ctx, http.MethodGet, "/api/issues/"+url.PathEscape(id), nil, &i); err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return &i, nil
}

func (c *Client) CloseIssue(ctx context.Context, id string) (*Issue, error) {
	var i Issue
	if err := c.do(ctx, http.MethodPost, "/api/issues/"+url.PathEscape(id)+"/close", nil, &i); err != nil {
		return nil, fmt.Errorf("failed to close issue: %w", err)
	}
	return &i, nil
}
