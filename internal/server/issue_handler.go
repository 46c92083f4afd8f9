package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/pkg/cerr"
)

func (s *Server) routeIssues(r chi.Router) {
	r.Route("/issues", func(r chi.Router) {
		r.Post("/", s.createIssue)
		r.Get("/", s.listIssues)
		r.Get("/{issueID}", s.getIssue)
		r.Post("/{issueID}/close", s.closeIssue)
	})
}

type createIssueRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Spec        string   `json:"spec,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type issueResponse struct {
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

func issueToResponse(i *issue.Issue) *issueResponse {
	return &issueResponse{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Status:      string(i.Status),
		Spec:        i.Spec,
		DependsOn:   i.DependsOn,
		Blocks:      i.Blocks,
		Labels:      i.Labels,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
		ClosedAt:    i.ClosedAt,
	}
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Title == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "title is required", nil)
		return
	}

	i := &issue.Issue{
		Title:       req.Title,
		Description: req.Description,
		Spec:        req.Spec,
		DependsOn:   req.DependsOn,
		Labels:      req.Labels,
	}
	if err := s.issues.Create(ctx, i); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, issueToResponse(i))
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	issues, err := s.issues.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]*issueResponse, 0, len(issues))
	for _, i := range issues {
		out = append(out, issueToResponse(i))
	}
	cerr.SetJSONResponse(ctx, out)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	i, err := s.issues.Get(ctx, chi.URLParam(r, "issueID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, issueToResponse(i))
}

func (s *Server) closeIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "issueID")
	if err := s.issues.Close(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	i, err := s.issues.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, issueToResponse(i))
}
